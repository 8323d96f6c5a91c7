package channel

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chanops/pkg/schema"
)

const (
	// DefaultFPS is the frame rate used when none is configured.
	DefaultFPS = 24.0
	// DefaultTolerance is the frame snapping tolerance, in frames.
	DefaultTolerance = 1e-3
)

// ExpressionEvaluator runs expression segments. It reads the active frame of
// ec (time, channel, segment) to resolve pseudo-variables and returns a
// float64-coercible value or a string.
type ExpressionEvaluator interface {
	EvaluateExpression(ctx context.Context, expr Expression, ec *EvalContext) (any, error)
}

// TimeDependenceReporter is optionally implemented by an ExpressionEvaluator
// that can tell whether an expression reads the evaluation time.
type TimeDependenceReporter interface {
	DependsOnTime(expr Expression) bool
}

// EventPublisher receives change events. Satisfied by streaming.MemoryHub.
type EventPublisher interface {
	Publish(ctx context.Context, ev schema.ChangeEvent) error
}

// ManagerConfig holds the session-wide settings. They are fixed for the
// lifetime of a Manager.
type ManagerConfig struct {
	FPS             float64  // frames per second (0 = DefaultFPS)
	Tolerance       float64  // frame snapping tolerance in frames (0 = DefaultTolerance)
	DefaultBehavior Behavior // resolves BehaviorDefault extrapolation (Default = hold)
	DefaultBasis    Basis    // basis of keys added outside the keyed range
	AutoSlope       bool     // recompute slopes when SetKeyValue inserts a key

	Evaluator ExpressionEvaluator
	Publisher EventPublisher
	Logger    *slog.Logger
}

// Manager owns time mapping, defaults, per-worker evaluation contexts and
// the collection registry for one session.
type Manager struct {
	fps         float64
	tol         float64
	defBehavior Behavior
	defBasis    Basis
	autoSlope   bool

	evaluator ExpressionEvaluator
	publisher EventPublisher
	logger    *slog.Logger

	// ctxMu guards the contexts map, not the contexts themselves; each
	// EvalContext is only touched by its own worker.
	ctxMu    sync.RWMutex
	contexts map[int]*EvalContext

	mu          sync.RWMutex
	collections map[string]*Collection
	order       []string

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewManager creates a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		fps:         cfg.FPS,
		tol:         cfg.Tolerance,
		defBehavior: cfg.DefaultBehavior,
		defBasis:    cfg.DefaultBasis,
		autoSlope:   cfg.AutoSlope,
		evaluator:   cfg.Evaluator,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		contexts:    make(map[int]*EvalContext),
		collections: make(map[string]*Collection),
		pending:     make(map[string]struct{}),
	}
}

func (m *Manager) FPS() float64 { return m.fps }
func (m *Manager) Tolerance() float64 { return m.tol }
func (m *Manager) DefaultBehavior() Behavior { return m.defBehavior }
func (m *Manager) DefaultBasis() Basis { return m.defBasis }
func (m *Manager) AutoSlope() bool { return m.autoSlope }
func (m *Manager) Evaluator() ExpressionEvaluator { return m.evaluator }
func (m *Manager) Logger() *slog.Logger { return m.logger }

// TimeTolerance is the frame tolerance expressed in seconds.
func (m *Manager) TimeTolerance() float64 { return m.tol / m.fps }

// TimeToSample maps seconds to samples; time 0 is sample 1.
func (m *Manager) TimeToSample(t float64) float64 { return t*m.fps + 1 }

// SampleToTime is the inverse of TimeToSample.
func (m *Manager) SampleToTime(s float64) float64 { return (s - 1) / m.fps }

// TimeToFrame returns the whole frame containing t, snapping times within
// the tolerance below a frame boundary up to it.
func (m *Manager) TimeToFrame(t float64) int {
	return int(math.Floor(m.TimeToSample(t) + m.tol))
}

// FrameToTime returns the time of frame f.
func (m *Manager) FrameToTime(f float64) float64 { return m.SampleToTime(f) }

// SnapToFrameTime rounds t to the nearest frame time.
func (m *Manager) SnapToFrameTime(t float64) float64 { return snapToFrame(t, m.fps) }

func snapToFrame(t, fps float64) float64 {
	return math.Round(t*fps) / fps
}

// Context returns the evaluation context for a logical worker id, creating
// it on first use. The returned pointer is stable for the Manager's lifetime.
func (m *Manager) Context(worker int) *EvalContext {
	m.ctxMu.RLock()
	ec, ok := m.contexts[worker]
	m.ctxMu.RUnlock()
	if ok {
		return ec
	}

	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	if ec, ok = m.contexts[worker]; ok {
		return ec
	}
	ec = NewEvalContext(worker)
	m.contexts[worker] = ec
	return ec
}

// NewCollection registers an empty collection.
func (m *Manager) NewCollection(name string) (*Collection, error) {
	if err := validCollectionName(name); err != nil {
		return nil, err
	}
	c := &Collection{
		id:      newID(),
		name:    name,
		manager: m,
		byName:  make(map[string]*Channel),
	}
	if err := m.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validCollectionName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid collection name %q", name)
	}
	return nil
}

func newID() string { return uuid.NewString() }

func (m *Manager) register(c *Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.collections[c.name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "collection %q already exists", c.name)
	}
	m.collections[c.name] = c
	m.order = append(m.order, c.name)
	m.logger.Debug("collection registered", slog.String("collection", c.name), slog.String("id", c.id))
	return nil
}

// Collection returns a registered collection by name.
func (m *Manager) Collection(name string) (*Collection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	return c, ok
}

// Collections returns every collection in registration order.
func (m *Manager) Collections() []*Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Collection, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.collections[name])
	}
	return out
}

// RemoveCollection unregisters a collection. Its channels stop reporting.
func (m *Manager) RemoveCollection(name string) bool {
	m.mu.Lock()
	c, ok := m.collections[name]
	if ok {
		delete(m.collections, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.Notify(schema.ChangeEvent{Collection: name, Type: schema.ChangeChannelDelete})
	c.manager = nil
	return true
}

// Notify stamps ev and forwards it to the publisher. Pending change events
// also maintain the set of channels holding staged values.
func (m *Manager) Notify(ev schema.ChangeEvent) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.trackPending(ev)

	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(context.Background(), ev); err != nil {
		m.logger.Warn("change event dropped",
			slog.String("path", ev.Path()),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) trackPending(ev schema.ChangeEvent) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	switch ev.Type {
	case schema.ChangePending:
		if on, _ := ev.Payload["pending"].(bool); on {
			m.pending[ev.Path()] = struct{}{}
		} else {
			delete(m.pending, ev.Path())
		}
	case schema.ChangeChannelRename:
		from, _ := ev.Payload["from"].(string)
		old := schema.ChangeEvent{Collection: ev.Collection, Channel: from}.Path()
		if _, ok := m.pending[old]; ok && from != "" {
			delete(m.pending, old)
			m.pending[ev.Path()] = struct{}{}
		}
	case schema.ChangeChannelDelete:
		if ev.Channel != "" {
			delete(m.pending, ev.Path())
			return
		}
		prefix := ev.Collection + "/"
		for p := range m.pending {
			if strings.HasPrefix(p, prefix) {
				delete(m.pending, p)
			}
		}
	}
}

// PendingChannels returns the "collection/channel" paths holding staged
// values, sorted.
func (m *Manager) PendingChannels() []string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]string, 0, len(m.pending))
	for p := range m.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
