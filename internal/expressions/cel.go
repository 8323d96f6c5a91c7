package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// CELEngine implements Engine using Google's Common Expression Language.
// CEL is strictly typed: every numeric pseudo-variable is a double, so
// literals mixed with them need a decimal point (time * 2.0).
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares the segment
// pseudo-variables.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(numericVariables)+1)
	for _, name := range numericVariables {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	opts = append(opts, cel.Variable(VarChannel, cel.StringType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it. Variables missing from data evaluate as zero (or "" for channel).
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, emptyError(e.Name())
	}

	prg, err := e.cache.get(expression, func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, compileError(e.Name(), expression, issues.Err())
		}
		p, err := e.env.Program(ast)
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, runError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// buildActivation fills every declared variable so CEL never sees an
// unbound reference.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(numericVariables)+1)
	for _, name := range numericVariables {
		v, ok := data[name].(float64)
		if !ok {
			v = 0
		}
		activation[name] = v
	}
	name, _ := data[VarChannel].(string)
	activation[VarChannel] = name
	return activation
}

var _ Engine = (*CELEngine)(nil)
