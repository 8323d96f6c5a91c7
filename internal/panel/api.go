package panel

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/diagram"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/pkg/schema"
)

type collectionRow struct {
	Name     string   `json:"name"`
	ID       string   `json:"id"`
	Channels int      `json:"channels"`
	Modified []string `json:"modified,omitempty"`
}

type channelRow struct {
	Name     string `json:"name"`
	Alias    string `json:"alias,omitempty"`
	Keys     int    `json:"keys"`
	Active   bool   `json:"active"`
	Locked   bool   `json:"locked"`
	Pending  bool   `json:"pending"`
	Modified bool   `json:"modified"`
}

func (s *PanelServer) manager() *channel.Manager { return s.deps.Pool.Manager() }

// collection looks up name. Callers hold the lock.
func (s *PanelServer) collection(name string) (*channel.Collection, error) {
	c, ok := s.manager().Collection(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", name)
	}
	return c, nil
}

// handleStatus reports pool metrics and manager settings.
func (s *PanelServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.deps.Lock.Lock()
	m := s.manager()
	body := map[string]any{
		"fps":         m.FPS(),
		"tolerance":   m.Tolerance(),
		"collections": len(m.Collections()),
		"pending":     m.PendingChannels(),
		"pool_size":   s.deps.Pool.Size(),
		"pool":        s.deps.Pool.Metrics(),
	}
	s.deps.Lock.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (s *PanelServer) handleCollections(w http.ResponseWriter, r *http.Request) {
	s.deps.Lock.Lock()
	rows := make([]collectionRow, 0)
	for _, c := range s.manager().Collections() {
		rows = append(rows, collectionRow{
			Name:     c.Name(),
			ID:       c.ID(),
			Channels: c.NChannels(),
			Modified: c.ModifiedChannels(),
		})
	}
	s.deps.Lock.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"collections": rows})
}

// handleCollectionDetail returns the channel table and, with
// ?definition=true, the full collection document.
func (s *PanelServer) handleCollectionDetail(w http.ResponseWriter, r *http.Request) {
	s.deps.Lock.Lock()
	defer s.deps.Lock.Unlock()

	c, err := s.collection(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	rows := make([]channelRow, 0, c.NChannels())
	for _, ch := range c.Channels() {
		rows = append(rows, channelRow{
			Name:     ch.Name(),
			Alias:    ch.Alias(),
			Keys:     ch.NKeys(),
			Active:   ch.IsActive(),
			Locked:   ch.IsLocked(),
			Pending:  ch.IsPending(),
			Modified: ch.IsModified(),
		})
	}
	body := map[string]any{
		"name":     c.Name(),
		"id":       c.ID(),
		"channels": rows,
	}
	if r.URL.Query().Get("definition") == "true" {
		body["definition"] = c.Definition()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleValues evaluates the collection at ?t= (default 0) on a pool
// worker. ?channels= narrows the set; the default is every active channel.
func (s *PanelServer) handleValues(w http.ResponseWriter, r *http.Request) {
	t, ok := queryFloat(r, "t", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "t must be a number")
		return
	}
	name := r.PathValue("name")
	names := queryList(r, "channels")

	s.deps.Lock.Lock()
	defer s.deps.Lock.Unlock()

	c, err := s.collection(name)
	if err != nil {
		writeFailure(w, err)
		return
	}

	values := make(map[string]float64)
	failures := make(map[string]string)
	err = s.deps.Pool.Do(r.Context(), func(ctx context.Context, ec *channel.EvalContext) error {
		if len(names) == 0 {
			all, err := c.EvaluateAll(ctx, ec.Worker(), t)
			values = all
			if err != nil {
				failures["*"] = err.Error()
			}
			return nil
		}
		for _, n := range names {
			v, err := c.Evaluate(ctx, ec.Worker(), n, t)
			values[n] = v
			if err != nil {
				failures[n] = err.Error()
			}
		}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	body := map[string]any{
		"collection": name,
		"time":       t,
		"frame":      s.manager().TimeToFrame(t),
		"values":     values,
	}
	if len(failures) > 0 {
		body["errors"] = failures
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCook samples [start, end] at ?step= (default one frame).
func (s *PanelServer) handleCook(w http.ResponseWriter, r *http.Request) {
	start, ok1 := queryFloat(r, "start", 0)
	end, ok2 := queryFloat(r, "end", 0)
	step, ok3 := queryFloat(r, "step", 0)
	if !ok1 || !ok2 || !ok3 {
		writeError(w, http.StatusBadRequest, "start, end and step must be numbers")
		return
	}
	req := engine.CookRequest{
		Collection: r.PathValue("name"),
		Channels:   queryList(r, "channels"),
		Start:      start,
		End:        end,
		Step:       step,
	}

	s.deps.Lock.Lock()
	results, err := s.deps.Pool.Cook(r.Context(), []engine.CookRequest{req})
	s.deps.Lock.Unlock()
	if err != nil {
		writeFailure(w, err)
		return
	}
	res := results[0]
	if res.Times == nil && res.Err != nil {
		writeFailure(w, res.Err)
		return
	}
	body := map[string]any{
		"collection": res.Collection,
		"times":      res.Times,
		"values":     res.Values,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDiagram renders the dependency graph as mermaid (default), ascii
// or png.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	s.deps.Lock.Lock()
	c, err := s.collection(r.PathValue("name"))
	var model *diagram.DiagramModel
	if err == nil {
		model, err = diagram.BuildCollection(c)
	}
	s.deps.Lock.Unlock()
	if err != nil {
		writeFailure(w, err)
		return
	}

	switch format {
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "png":
		img, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

// handleEvents lists persisted change events after ?since= (a sequence
// number), newest ?limit= kept.
func (s *PanelServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is not configured")
		return
	}
	events, err := s.deps.History.GetEvents(r.Context(), r.PathValue("name"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if channelName := r.URL.Query().Get("channel"); channelName != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Channel == channelName {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if limit := queryInt(r, "limit", 100); limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *PanelServer) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	jobs, err := s.deps.Jobs.ListAutosaveJobs(r.Context(), store.AutosaveJobFilter{})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.AutosaveJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
