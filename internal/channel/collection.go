package channel

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/chanops/pkg/schema"
)

// Collection is an ordered, named set of channels, e.g. the animated
// parameters of one object. Lookups accept a channel's name or its alias.
//
// Structural edits (add, delete, rename) must not run concurrently with
// evaluation of the same collection.
type Collection struct {
	id       string
	name     string
	manager  *Manager
	channels []*Channel
	byName   map[string]*Channel
	metadata map[string]any
}

func (c *Collection) ID() string { return c.id }
func (c *Collection) Name() string { return c.name }
func (c *Collection) Manager() *Manager { return c.manager }
func (c *Collection) NChannels() int { return len(c.channels) }

// Metadata returns the free-form metadata map, creating it on first use.
func (c *Collection) Metadata() map[string]any {
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	return c.metadata
}

// AddChannel creates a channel holding only defValue.
func (c *Collection) AddChannel(name string, defValue float64) (*Channel, error) {
	if err := validChannelName(name); err != nil {
		return nil, err
	}
	if _, exists := c.byName[name]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "channel %q already exists", name).
			WithChannel(c.name + "/" + name)
	}
	ch := New(name, defValue)
	c.attach(ch)
	ch.emit(schema.ChangeChannelAdded, 0, nil)
	return ch, nil
}

func (c *Collection) attach(ch *Channel) {
	ch.collection = c
	c.channels = append(c.channels, ch)
	c.byName[ch.name] = ch
}

func validChannelName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid channel name %q", name)
	}
	return nil
}

// DeleteChannel removes a channel. The removed channel keeps its keys but
// no longer reports changes.
func (c *Collection) DeleteChannel(name string) bool {
	ch := c.Channel(name)
	if ch == nil {
		return false
	}
	ch.emit(schema.ChangeChannelDelete, 0, nil)
	delete(c.byName, ch.name)
	for i, x := range c.channels {
		if x == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			break
		}
	}
	ch.collection = nil
	return true
}

// Channel looks a channel up by name, then by alias. It returns nil when
// neither matches.
func (c *Collection) Channel(name string) *Channel {
	if ch, ok := c.byName[name]; ok {
		return ch
	}
	for _, ch := range c.channels {
		if ch.alias != "" && ch.alias == name {
			return ch
		}
	}
	return nil
}

// Channels returns the channels in insertion order.
func (c *Collection) Channels() []*Channel {
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Rename changes a channel's name.
func (c *Collection) Rename(oldName, newName string) error {
	ch := c.Channel(oldName)
	if ch == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", oldName).
			WithChannel(c.name + "/" + oldName)
	}
	if err := validChannelName(newName); err != nil {
		return err
	}
	if other, exists := c.byName[newName]; exists && other != ch {
		return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already exists", newName).
			WithChannel(c.name + "/" + newName)
	}
	from := ch.name
	delete(c.byName, from)
	ch.name = newName
	c.byName[newName] = ch
	ch.flags |= FlagModified
	ch.emit(schema.ChangeChannelRename, 0, map[string]any{"from": from, "to": newName})
	return nil
}

// resolve finds the channel and pushes a time frame naming it on worker's
// context. The caller must Exit the scope.
func (c *Collection) resolve(ctx context.Context, worker int, name string, t float64) (*Channel, *EvalContext, Scope, error) {
	ch := c.Channel(name)
	if ch == nil {
		return nil, nil, Scope{}, schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", name).
			WithChannel(c.name + "/" + name)
	}
	if c.manager == nil {
		return nil, nil, Scope{}, schema.NewErrorf(schema.ErrCodeExecution, "collection %q is detached", c.name)
	}
	ec := c.manager.Context(worker)
	ec.ClearErr()
	return ch, ec, ec.EnterTime(ctx, t, c, ch.name), nil
}

func (c *Collection) eval(ctx context.Context, worker int, name string, t float64,
	fn func(*Channel, *EvalContext, float64) float64) (float64, error) {
	ch, ec, scope, err := c.resolve(ctx, worker, name, t)
	if err != nil {
		return 0, err
	}
	defer scope.Exit()
	v := fn(ch, ec, t)
	if err := ec.ClearErr(); err != nil {
		c.manager.logger.DebugContext(ctx, "evaluation error",
			slog.String("collection", c.name),
			slog.String("channel", ch.name),
			slog.Int("worker", worker),
			slog.String("error", err.Error()))
		return v, err
	}
	return v, nil
}

// Evaluate returns the value of channel name at global time t on the given
// worker's context. A failed expression still yields a value; the failure is
// returned alongside it.
func (c *Collection) Evaluate(ctx context.Context, worker int, name string, t float64) (float64, error) {
	return c.eval(ctx, worker, name, t, (*Channel).Evaluate)
}

// EvaluateSlope returns the first derivative of channel name at t.
func (c *Collection) EvaluateSlope(ctx context.Context, worker int, name string, t float64) (float64, error) {
	return c.eval(ctx, worker, name, t, (*Channel).EvaluateSlope)
}

// EvaluateAccel returns the second derivative of channel name at t.
func (c *Collection) EvaluateAccel(ctx context.Context, worker int, name string, t float64) (float64, error) {
	return c.eval(ctx, worker, name, t, (*Channel).EvaluateAccel)
}

// EvaluateString returns the string value of channel name at t.
func (c *Collection) EvaluateString(ctx context.Context, worker int, name string, t float64) (string, error) {
	ch, ec, scope, err := c.resolve(ctx, worker, name, t)
	if err != nil {
		return "", err
	}
	defer scope.Exit()
	s := ch.EvaluateString(ec, t)
	return s, ec.ClearErr()
}

// EvaluateAll evaluates every active channel at t. The first failure is
// returned with the complete result map.
func (c *Collection) EvaluateAll(ctx context.Context, worker int, t float64) (map[string]float64, error) {
	out := make(map[string]float64, len(c.channels))
	var first error
	for _, ch := range c.channels {
		if !ch.IsActive() {
			continue
		}
		v, err := c.Evaluate(ctx, worker, ch.name, t)
		out[ch.name] = v
		if err != nil && first == nil {
			first = err
		}
	}
	return out, first
}

// Modified reports whether any channel changed since ClearModified.
func (c *Collection) Modified() bool {
	for _, ch := range c.channels {
		if ch.IsModified() {
			return true
		}
	}
	return false
}

// ModifiedChannels returns the names of modified channels.
func (c *Collection) ModifiedChannels() []string {
	var out []string
	for _, ch := range c.channels {
		if ch.IsModified() {
			out = append(out, ch.name)
		}
	}
	return out
}

// ClearModified resets every channel's modified flag.
func (c *Collection) ClearModified() {
	for _, ch := range c.channels {
		ch.ClearModified()
	}
}
