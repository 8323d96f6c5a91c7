package expressions

import (
	"context"
	"sync"

	"github.com/rendis/chanops/pkg/schema"
)

// Engine evaluates expression segment source against a variable map.
// Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text.
// Thread-safe: compiled programs are shared across workers.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(source string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.progs[source]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if p, ok := c.progs[source]; ok {
		return p, nil
	}
	p, err := compile()
	if err != nil {
		return p, err
	}
	c.progs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func compileError(engine, expression string, err error) *schema.ChanopsError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": engine})
}

func runError(engine, expression string, err error) *schema.ChanopsError {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": engine})
}

func emptyError(engine string) *schema.ChanopsError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
