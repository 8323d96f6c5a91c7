package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/diagram"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/logging"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/pkg/schema"
)

const defaultHistoryLimit = 100

// collectionSummary is one row of chanops.list without a collection.
type collectionSummary struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Channels int    `json:"channels"`
	Modified bool   `json:"modified"`
}

// channelSummary is one row of chanops.list for a collection.
type channelSummary struct {
	Name          string  `json:"name"`
	Alias         string  `json:"alias,omitempty"`
	Keys          int     `json:"keys"`
	Default       float64 `json:"default"`
	Left          string  `json:"left"`
	Right         string  `json:"right"`
	Active        bool    `json:"active"`
	Locked        bool    `json:"locked"`
	Modified      bool    `json:"modified"`
	Pending       bool    `json:"pending"`
	TimeDependent bool    `json:"time_dependent"`
}

// evaluation is the result of a single-time chanops.evaluate.
type evaluation struct {
	Collection string             `json:"collection"`
	Time       float64            `json:"time"`
	Frame      int                `json:"frame"`
	Quantity   string             `json:"quantity"`
	Values     map[string]float64 `json:"values"`
	Errors     map[string]string  `json:"errors,omitempty"`
}

// begin tags ctx with a request id and the tool's target and returns a
// logger carrying them.
func (s *ChanopsServer) begin(ctx context.Context, tool, collection, channelName string) (context.Context, *slog.Logger) {
	ctx = logging.WithRequestID(ctx, uuid.NewString())
	ctx = logging.WithTarget(ctx, collection, channelName)
	logger := logging.LogWith(ctx, s.logger).With(slog.String("tool", tool))
	logger.Debug("tool call")
	return ctx, logger
}

func (s *ChanopsServer) collection(name string) (*channel.Collection, error) {
	if s.manager == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no channel manager configured")
	}
	c, ok := s.manager.Collection(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", name)
	}
	return c, nil
}

// handleList summarises every collection, or the channels of one.
func (s *ChanopsServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("collection", "")
	ctx, _ = s.begin(ctx, "chanops.list", name, "")
	if s.manager == nil {
		return errorResult("list failed", schema.NewError(schema.ErrCodeExecution, "no channel manager configured")), nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if name == "" {
		rows := make([]collectionSummary, 0)
		for _, c := range s.manager.Collections() {
			rows = append(rows, collectionSummary{
				Name:     c.Name(),
				ID:       c.ID(),
				Channels: c.NChannels(),
				Modified: c.Modified(),
			})
		}
		return marshalResult(map[string]any{
			"fps":         s.manager.FPS(),
			"collections": rows,
			"pending":     s.manager.PendingChannels(),
		})
	}

	c, err := s.collection(name)
	if err != nil {
		return errorResult("list failed", err), nil
	}
	rows := make([]channelSummary, 0, c.NChannels())
	for _, ch := range c.Channels() {
		rows = append(rows, channelSummary{
			Name:          ch.Name(),
			Alias:         ch.Alias(),
			Keys:          ch.NKeys(),
			Default:       ch.DefaultValue(),
			Left:          ch.LeftType().String(),
			Right:         ch.RightType().String(),
			Active:        ch.IsActive(),
			Locked:        ch.IsLocked(),
			Modified:      ch.IsModified(),
			Pending:       ch.IsPending(),
			TimeDependent: ch.IsTimeDependent(),
		})
	}
	return marshalResult(map[string]any{
		"collection": c.Name(),
		"id":         c.ID(),
		"channels":   rows,
	})
}

// handleEvaluate evaluates channels at one time, or cooks a sampled range
// on the worker pool.
func (s *ChanopsServer) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	ctx, logger := s.begin(ctx, "chanops.evaluate", name, "")
	if s.pool == nil {
		return mcp.NewToolResultError("evaluation is not configured"), nil
	}
	names := req.GetStringSlice("channels", nil)
	args := req.GetArguments()

	s.lock.Lock()
	defer s.lock.Unlock()

	c, err := s.collection(name)
	if err != nil {
		return errorResult("evaluate failed", err), nil
	}
	for _, n := range names {
		if c.Channel(n) == nil {
			return errorResult("evaluate failed", schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", n).
				WithChannel(name+"/"+n)), nil
		}
	}

	_, hasStart := args["start"]
	_, hasEnd := args["end"]
	if hasStart || hasEnd {
		if !hasStart || !hasEnd {
			return mcp.NewToolResultError("start and end must be given together"), nil
		}
		results, cookErr := s.pool.Cook(ctx, []engine.CookRequest{{
			Collection: name,
			Channels:   names,
			Start:      req.GetFloat("start", 0),
			End:        req.GetFloat("end", 0),
			Step:       req.GetFloat("step", 0),
		}})
		if cookErr != nil {
			return errorResult("cook failed", cookErr), nil
		}
		res := results[0]
		out := map[string]any{
			"collection": res.Collection,
			"times":      res.Times,
			"values":     res.Values,
		}
		if res.Err != nil {
			if ce, ok := schema.AsError(res.Err); ok && ce.Code == schema.ErrCodeValidation && res.Times == nil {
				return errorResult("cook failed", res.Err), nil
			}
			logger.Warn("range evaluation reported an error", slog.String("error", res.Err.Error()))
			out["error"] = res.Err.Error()
		}
		return marshalResult(out)
	}

	quantity := req.GetString("quantity", "value")
	eval := c.Evaluate
	switch quantity {
	case "value":
	case "slope":
		eval = c.EvaluateSlope
	case "accel":
		eval = c.EvaluateAccel
	default:
		return mcp.NewToolResultError("quantity must be value, slope, or accel"), nil
	}
	if len(names) == 0 {
		for _, ch := range c.Channels() {
			if ch.IsActive() {
				names = append(names, ch.Name())
			}
		}
	}

	t := req.GetFloat("time", 0)
	out := evaluation{
		Collection: name,
		Time:       t,
		Frame:      s.manager.TimeToFrame(t),
		Quantity:   quantity,
		Values:     make(map[string]float64, len(names)),
	}
	doErr := s.pool.Do(ctx, func(ctx context.Context, ec *channel.EvalContext) error {
		for _, n := range names {
			v, err := eval(ctx, ec.Worker(), n, t)
			out.Values[n] = v
			if err != nil {
				if out.Errors == nil {
					out.Errors = make(map[string]string)
				}
				out.Errors[n] = err.Error()
			}
		}
		return nil
	})
	if doErr != nil {
		return errorResult("evaluate failed", doErr), nil
	}
	return marshalResult(out)
}

// handleSetKey writes a value through Channel.SetKeyValue.
func (s *ChanopsServer) handleSetKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	chName, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError("channel is required"), nil
	}
	t, err := req.RequireFloat("time")
	if err != nil {
		return mcp.NewToolResultError("time is required"), nil
	}
	v, err := req.RequireFloat("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	pending := req.GetBool("pending", false)
	commitKeys := req.GetBool("commit_keys", true)
	ctx, logger := s.begin(ctx, "chanops.set_key", name, chName)

	s.lock.Lock()
	defer s.lock.Unlock()

	c, err := s.collection(name)
	if err != nil {
		return errorResult("set key failed", err), nil
	}
	ch := c.Channel(chName)
	if ch == nil {
		if !req.GetBool("create", false) {
			return errorResult("set key failed", schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", chName).
				WithChannel(name+"/"+chName)), nil
		}
		if ch, err = c.AddChannel(chName, 0); err != nil {
			return errorResult("create channel failed", err), nil
		}
		logger.Info("channel created")
	}

	if !ch.SetKeyValue(v, t, pending, commitKeys) {
		return errorResult("set key failed", schema.NewErrorf(schema.ErrCodeConflict,
			"channel refused the edit at %g: locked channel or locked key", t).WithChannel(ch.Path())), nil
	}
	logger.Info("key set",
		slog.Float64("time", t), slog.Float64("value", v), slog.Bool("pending", ch.IsPending()))

	out := map[string]any{
		"collection": name,
		"channel":    ch.Name(),
		"time":       t,
		"keys":       ch.NKeys(),
		"pending":    ch.IsPending(),
		"modified":   ch.IsModified(),
	}
	if s.pool != nil {
		_ = s.pool.Do(ctx, func(ctx context.Context, ec *channel.EvalContext) error {
			got, err := c.Evaluate(ctx, ec.Worker(), ch.Name(), t)
			out["value"] = got
			if err != nil {
				out["error"] = err.Error()
			}
			return nil
		})
	}
	return marshalResult(out)
}

// handleDeleteKey removes the key at a time.
func (s *ChanopsServer) handleDeleteKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	chName, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError("channel is required"), nil
	}
	t, err := req.RequireFloat("time")
	if err != nil {
		return mcp.NewToolResultError("time is required"), nil
	}
	ctx, logger := s.begin(ctx, "chanops.delete_key", name, chName)

	s.lock.Lock()
	defer s.lock.Unlock()

	c, err := s.collection(name)
	if err != nil {
		return errorResult("delete key failed", err), nil
	}
	ch := c.Channel(chName)
	if ch == nil {
		return errorResult("delete key failed", schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", chName).
			WithChannel(name+"/"+chName)), nil
	}
	if !ch.DestroyKeyFrame(t) {
		return errorResult("delete key failed", schema.NewErrorf(schema.ErrCodeNotFound,
			"no deletable key at %g", t).WithChannel(ch.Path())), nil
	}
	logger.Info("key deleted", slog.Float64("time", t))
	return marshalResult(map[string]any{
		"collection": name,
		"channel":    ch.Name(),
		"time":       t,
		"keys":       ch.NKeys(),
	})
}

// handleCommit keys or drops the staged values of pending channels.
func (s *ChanopsServer) handleCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	only := req.GetString("collection", "")
	discard := req.GetBool("discard", false)
	ctx, logger := s.begin(ctx, "chanops.commit", only, "")
	if s.manager == nil {
		return errorResult("commit failed", schema.NewError(schema.ErrCodeExecution, "no channel manager configured")), nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	done := make([]string, 0)
	failed := make([]string, 0)
	for _, path := range s.manager.PendingChannels() {
		collName, chName, ok := strings.Cut(path, "/")
		if !ok || (only != "" && collName != only) {
			continue
		}
		c, found := s.manager.Collection(collName)
		if !found {
			continue
		}
		ch := c.Channel(chName)
		if ch == nil {
			continue
		}
		if discard {
			ch.ClearPending()
			done = append(done, path)
			continue
		}
		if ch.CommitPending() {
			done = append(done, path)
		} else {
			failed = append(failed, path)
		}
	}
	logger.Info("pending values resolved",
		slog.Bool("discard", discard), slog.Int("done", len(done)), slog.Int("failed", len(failed)))
	return marshalResult(map[string]any{
		"discarded": discard,
		"channels":  done,
		"failed":    failed,
	})
}

// handleDefine validates a collection document and loads it.
func (s *ChanopsServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper CollectionDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.CollectionDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if def.Version == 0 {
		def.Version = schema.DocumentVersion
	}
	ctx, logger := s.begin(ctx, "chanops.define", def.Name, "")

	result := &schema.ValidationResult{}
	if s.validator != nil {
		result = s.validator.Validate(&def)
	}
	if !result.Valid() {
		logger.Info("definition rejected", slog.Int("errors", len(result.Errors)),
			slog.Any("channels", result.FailingChannels()))
		res, err := marshalResult(map[string]any{"valid": false, "validation": result})
		if res != nil {
			res.IsError = true
		}
		return res, err
	}
	if req.GetBool("dry_run", false) {
		return marshalResult(map[string]any{"valid": true, "validation": result})
	}
	if s.manager == nil {
		return errorResult("define failed", schema.NewError(schema.ErrCodeExecution, "no channel manager configured")), nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	replaced := false
	if _, exists := s.manager.Collection(def.Name); exists {
		if !req.GetBool("replace", false) {
			return errorResult("define failed", schema.NewErrorf(schema.ErrCodeConflict,
				"collection %q already loaded; pass replace to overwrite it", def.Name)), nil
		}
		// A scratch load keeps the current collection when the document is bad.
		if _, err := channel.NewManager(channel.ManagerConfig{}).LoadCollection(def); err != nil {
			return errorResult("define failed", err), nil
		}
		s.manager.RemoveCollection(def.Name)
		replaced = true
	}
	c, err := s.manager.LoadCollection(def)
	if err != nil {
		return errorResult("define failed", err), nil
	}
	logger.Info("collection defined",
		slog.String("id", c.ID()), slog.Int("channels", c.NChannels()), slog.Bool("replaced", replaced))
	return marshalResult(map[string]any{
		"valid":      true,
		"collection": c.Name(),
		"id":         c.ID(),
		"channels":   c.NChannels(),
		"replaced":   replaced,
		"validation": result,
	})
}

// handleSave persists through the Archive. The Archive takes the shared
// lock itself.
func (s *ChanopsServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("collection", "")
	ctx, logger := s.begin(ctx, "chanops.save", name, "")
	if s.archive == nil {
		return mcp.NewToolResultError("persistence is not configured"), nil
	}

	if req.GetBool("restore", false) {
		if name == "" {
			return mcp.NewToolResultError("collection is required to restore"), nil
		}
		c, err := s.archive.Restore(ctx, name)
		if err != nil {
			return errorResult("restore failed", err), nil
		}
		logger.Info("collection restored", slog.Int("channels", c.NChannels()))
		return marshalResult(map[string]any{
			"collection": c.Name(),
			"restored":   true,
			"channels":   c.NChannels(),
		})
	}

	if name == "" {
		n, err := s.archive.SaveModified(ctx, "")
		if err != nil {
			return errorResult("save failed", err), nil
		}
		return marshalResult(map[string]any{"saved": n})
	}
	rec, err := s.archive.Save(ctx, name)
	if err != nil {
		return errorResult("save failed", err), nil
	}
	return marshalResult(map[string]any{
		"collection": rec.Name,
		"revision":   rec.Revision,
		"channels":   rec.ChannelCount,
		"updated_at": rec.UpdatedAt,
	})
}

// handleDiagram renders the expression dependency graph of a collection.
func (s *ChanopsServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	ctx, _ = s.begin(ctx, "chanops.diagram", name, "")

	model, err := s.diagramModel(name, req.GetBool("include_status", true))
	if err != nil {
		return errorResult("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage("dependency graph of "+name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

func (s *ChanopsServer) diagramModel(name string, withStatus bool) (*diagram.DiagramModel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if withStatus {
		return diagram.BuildCollection(c)
	}
	def := c.Definition()
	return diagram.Build(&def, nil)
}

// handleHistory reads the change log of a collection.
func (s *ChanopsServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	chName := req.GetString("channel", "")
	ctx, _ = s.begin(ctx, "chanops.history", name, chName)
	if s.history == nil {
		return mcp.NewToolResultError("change log is not configured"), nil
	}

	if req.GetBool("summary", false) {
		histories, err := s.history.ReplayEvents(ctx, name)
		if err != nil {
			return errorResult("replay failed", err), nil
		}
		if chName != "" {
			h, ok := histories[chName]
			if !ok {
				return errorResult("replay failed", schema.NewErrorf(schema.ErrCodeNotFound,
					"no logged edits for channel %q", chName).WithChannel(name+"/"+chName)), nil
			}
			return marshalResult(h)
		}
		return marshalResult(histories)
	}

	events, err := s.history.GetEvents(ctx, name, int64(req.GetInt("since", 0)))
	if err != nil {
		return errorResult("history query failed", err), nil
	}
	filtered := make([]*store.Event, 0, len(events))
	for _, e := range events {
		if chName == "" || e.Channel == chName {
			filtered = append(filtered, e)
		}
	}
	limit := req.GetInt("limit", defaultHistoryLimit)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return marshalResult(map[string]any{
		"collection": name,
		"events":     filtered,
	})
}

// handleWatch registers the calling session for change notifications.
func (s *ChanopsServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	if s.hub == nil {
		return mcp.NewToolResultError("change notifications are not configured"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch needs a client session"), nil
	}
	ctx, logger := s.begin(ctx, "chanops.watch", name, "")

	stop := req.GetBool("stop", false)
	if stop {
		s.sessions.Unwatch(session.SessionID(), name)
	} else {
		s.sessions.Watch(session.SessionID(), name)
	}
	logger.Info("watch updated", slog.String("session", session.SessionID()), slog.Bool("stop", stop))
	return marshalResult(map[string]any{
		"collection": name,
		"watching":   !stop,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// errorResult reports err as a tool error, keeping the ChanopsError code
// visible to the caller.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}
