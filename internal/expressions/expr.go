package expressions

import (
	"context"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine implements Engine with expr-lang/expr. It is the default
// language for expression segments: arithmetic on the pseudo-variables,
// conditionals, nil coalescing and the value()/valueAt() channel lookups.
//
// A program is compiled against the shape of the first variable map it sees,
// so callers must pass maps with a stable set of keys and types.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (or retrieves from cache) an Expr expression and runs it
// with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, emptyError(e.Name())
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.cache.get(expression, func() (*vm.Program, error) {
		p, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, runError(e.Name(), expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
