package expressions

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

// Pseudo-variables exposed to expression segments.
const (
	VarTime     = "time"     // global evaluation time, seconds
	VarFrame    = "frame"    // whole frame containing time
	VarSample   = "sample"   // fractional sample, time 0 is sample 1
	VarFPS      = "fps"      // session frame rate
	VarInValue  = "invalue"  // segment in value
	VarOutValue = "outvalue" // segment out value
	VarInSlope  = "inslope"
	VarOutSlope = "outslope"
	VarInAccel  = "inaccel"
	VarOutAccel = "outaccel"
	VarStart    = "start"  // segment start, channel-local seconds
	VarEnd      = "end"    // segment end
	VarLength   = "length" // segment length
	VarLT       = "lt"     // time relative to segment start
	VarT        = "t"      // lt normalised to [0,1]
	VarDefault  = "default"
	VarChannel  = "channel" // channel name
)

var numericVariables = []string{
	VarTime, VarFrame, VarSample, VarFPS,
	VarInValue, VarOutValue, VarInSlope, VarOutSlope, VarInAccel, VarOutAccel,
	VarStart, VarEnd, VarLength, VarLT, VarT, VarDefault,
}

// Identifiers that make an expression vary with time. value() and valueAt()
// read other channels, which may themselves be animated.
var timeIdentRe = regexp.MustCompile(`\b(time|frame|sample|lt|t|value|valueAt)\b`)

var refRe = regexp.MustCompile(`\bvalue(?:At)?\(\s*["']([^"']+)["']`)

// References returns the sibling channel names e reads through value() or
// valueAt() with a literal argument, in first-use order without repeats.
// Only expr expressions can read other channels.
func References(e channel.Expression) []string {
	if e.Language != "" && e.Language != channel.LanguageExpr {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, m := range refRe.FindAllStringSubmatch(e.Text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// ChannelEvaluator runs expression segments on one of the registered
// engines. It satisfies channel.ExpressionEvaluator and
// channel.TimeDependenceReporter.
type ChannelEvaluator struct {
	engines  map[string]Engine
	fallback Engine

	timeDepMu sync.RWMutex
	timeDep   map[string]bool
}

// NewChannelEvaluator creates an evaluator with the expr, CEL and jq engines.
func NewChannelEvaluator() (*ChannelEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	ex := NewExprEngine()
	return &ChannelEvaluator{
		engines: map[string]Engine{
			channel.LanguageExpr: ex,
			channel.LanguageCEL:  celEngine,
			channel.LanguageJQ:   NewGoJQEngine(),
		},
		fallback: ex,
		timeDep:  make(map[string]bool),
	}, nil
}

// Engine returns the engine registered for language. An empty language
// selects expr.
func (ce *ChannelEvaluator) Engine(language string) (Engine, error) {
	if language == "" {
		return ce.fallback, nil
	}
	e, ok := ce.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", language)
	}
	return e, nil
}

// Compile checks that e parses in its language without running it.
func (ce *ChannelEvaluator) Compile(e channel.Expression) error {
	engine, err := ce.Engine(e.Language)
	if err != nil {
		return err
	}
	vars := zeroVariables()
	if engine == ce.fallback {
		bindLookups(vars, nil)
	}
	_, err = engine.Evaluate(context.Background(), e.Text, vars)
	if cerr, ok := schema.AsError(err); ok && cerr.Code == schema.ErrCodeExpression {
		// Parsed fine; a runtime failure on zero inputs is not a syntax error.
		return nil
	}
	return err
}

// EvaluateExpression runs e with the pseudo-variables of ec's active frame.
func (ce *ChannelEvaluator) EvaluateExpression(ctx context.Context, e channel.Expression, ec *channel.EvalContext) (any, error) {
	engine, err := ce.Engine(e.Language)
	if err != nil {
		return nil, err
	}
	vars := Variables(ec)
	if engine == ce.fallback {
		bindLookups(vars, ec)
	}
	out, err := engine.Evaluate(ctx, e.Text, vars)
	if err != nil {
		if ch := ec.Channel(); ch != nil {
			if cerr, ok := schema.AsError(err); ok {
				return nil, cerr.WithChannel(ch.Path())
			}
		}
		return nil, err
	}
	return out, nil
}

// DependsOnTime reports whether e references a time-varying identifier.
// Results are memoized per source text.
func (ce *ChannelEvaluator) DependsOnTime(e channel.Expression) bool {
	ce.timeDepMu.RLock()
	dep, ok := ce.timeDep[e.Text]
	ce.timeDepMu.RUnlock()
	if ok {
		return dep
	}
	dep = timeIdentRe.MatchString(e.Text)
	ce.timeDepMu.Lock()
	ce.timeDep[e.Text] = dep
	ce.timeDepMu.Unlock()
	return dep
}

// Variables builds the pseudo-variable map for ec's active frame. Outside a
// segment frame the segment variables are zero.
func Variables(ec *channel.EvalContext) map[string]any {
	vars := zeroVariables()
	if ec == nil {
		return vars
	}
	now := ec.Time()
	vars[VarTime] = now
	vars[VarChannel] = ec.ChannelName()

	if coll := ec.Collection(); coll != nil && coll.Manager() != nil {
		m := coll.Manager()
		vars[VarFrame] = float64(m.TimeToFrame(now))
		vars[VarSample] = m.TimeToSample(now)
		vars[VarFPS] = m.FPS()
	}

	ch, seg := ec.Channel(), ec.Segment()
	if ch == nil || seg == nil {
		return vars
	}
	lt := ch.LocalTime(now) - seg.Start()
	norm := 0.0
	if seg.Length() > 0 {
		norm = lt / seg.Length()
	}
	vars[VarChannel] = ch.Name()
	vars[VarInValue] = seg.InValue()
	vars[VarOutValue] = seg.OutValue()
	vars[VarInSlope] = seg.InSlope()
	vars[VarOutSlope] = seg.OutSlope()
	vars[VarInAccel] = seg.InAccel()
	vars[VarOutAccel] = seg.OutAccel()
	vars[VarStart] = seg.Start()
	vars[VarEnd] = seg.End()
	vars[VarLength] = seg.Length()
	vars[VarLT] = lt
	vars[VarT] = norm
	vars[VarDefault] = ch.DefaultValue()
	return vars
}

func zeroVariables() map[string]any {
	vars := make(map[string]any, len(numericVariables)+3)
	for _, name := range numericVariables {
		vars[name] = 0.0
	}
	vars[VarChannel] = ""
	return vars
}

// bindLookups adds the value() and valueAt() functions. With a nil ec they
// return zero, which keeps compile-only checks on the same program shape.
func bindLookups(vars map[string]any, ec *channel.EvalContext) {
	vars["value"] = func(name string) (float64, error) {
		if ec == nil {
			return 0, nil
		}
		return lookup(ec, name, ec.Time())
	}
	vars["valueAt"] = func(name string, at float64) (float64, error) {
		if ec == nil {
			return 0, nil
		}
		return lookup(ec, name, at)
	}
}

// lookup evaluates a sibling channel of the active frame at global time at.
func lookup(ec *channel.EvalContext, name string, at float64) (float64, error) {
	coll := ec.Collection()
	if coll == nil {
		return 0, fmt.Errorf("value(%q): no collection in scope", name)
	}
	other := coll.Channel(name)
	if other == nil {
		return 0, fmt.Errorf("value(%q): channel not found", name)
	}
	v := other.Evaluate(ec, at)
	if err := ec.Err(); err != nil {
		return v, err
	}
	return v, nil
}

var (
	_ channel.ExpressionEvaluator    = (*ChannelEvaluator)(nil)
	_ channel.TimeDependenceReporter = (*ChannelEvaluator)(nil)
)
