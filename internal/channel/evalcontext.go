package channel

import (
	"context"

	"github.com/rendis/chanops/pkg/schema"
)

// MaxEvalDepth bounds nested evaluation, e.g. an expression that reads a
// channel whose expression reads the first one back.
const MaxEvalDepth = 64

// EvalContext records what a worker is evaluating right now: the time, the
// collection, the channel and the segment. Expression evaluators read it to
// resolve pseudo-variables. One EvalContext belongs to one worker and must not
// be shared between goroutines.
type EvalContext struct {
	worker int
	frame  evalFrame
	err    error
}

type evalFrame struct {
	ctx         context.Context
	time        float64
	collection  *Collection
	channel     *Channel
	segment     *Segment
	channelName string
	depth       int
}

// NewEvalContext returns a zeroed context for the given worker id.
func NewEvalContext(worker int) *EvalContext {
	return &EvalContext{worker: worker}
}

// Scope restores the context captured by Enter when Exit is called.
type Scope struct {
	ec    *EvalContext
	saved evalFrame
}

// Exit restores the frame that was active when the scope was entered.
func (s Scope) Exit() {
	if s.ec != nil {
		s.ec.frame = s.saved
	}
}

// Enter pushes a full frame. ch and seg may be nil; the name tracks ch.
func (ec *EvalContext) Enter(time float64, coll *Collection, ch *Channel, seg *Segment) Scope {
	if ec == nil {
		return Scope{}
	}
	saved := ec.frame
	name := ""
	if ch != nil {
		name = ch.Name()
	}
	ec.frame = evalFrame{
		ctx:         saved.ctx,
		time:        time,
		collection:  coll,
		channel:     ch,
		segment:     seg,
		channelName: name,
		depth:       saved.depth + 1,
	}
	ec.check()
	return Scope{ec: ec, saved: saved}
}

// EnterTime pushes a frame with no bound channel. channelName may still name
// the channel being resolved.
func (ec *EvalContext) EnterTime(ctx context.Context, time float64, coll *Collection, channelName string) Scope {
	if ec == nil {
		return Scope{}
	}
	saved := ec.frame
	if ctx == nil {
		ctx = saved.ctx
	}
	ec.frame = evalFrame{
		ctx:         ctx,
		time:        time,
		collection:  coll,
		channelName: channelName,
		depth:       saved.depth + 1,
	}
	ec.check()
	return Scope{ec: ec, saved: saved}
}

func (ec *EvalContext) check() {
	if !debugAssertions {
		return
	}
	if err := ec.Validate(); err != nil {
		contractViolation("%v", err)
	}
}

// Validate checks the frame invariants: a channel implies its collection,
// name and segment; a segment implies a channel that owns it.
func (ec *EvalContext) Validate() error {
	f := ec.frame
	violation := func(msg string) error {
		return schema.NewError(schema.ErrCodeContractViolation, msg).
			WithDetails(map[string]any{"worker": ec.worker, "depth": f.depth})
	}
	if f.channel != nil {
		if f.collection == nil {
			return violation("channel bound without collection")
		}
		if f.channel.Collection() != f.collection {
			return violation("channel does not belong to collection")
		}
		if f.channelName == "" {
			return violation("channel bound without name")
		}
		if f.segment == nil {
			return violation("channel bound without segment")
		}
	}
	if f.segment != nil {
		if f.channel == nil {
			return violation("segment bound without channel")
		}
		if !f.channel.owns(f.segment) {
			return violation("segment does not belong to channel")
		}
	}
	return nil
}

func (ec *EvalContext) Worker() int { return ec.worker }

// Context returns the caller context bound by EnterTime, or Background.
func (ec *EvalContext) Context() context.Context {
	if ec == nil || ec.frame.ctx == nil {
		return context.Background()
	}
	return ec.frame.ctx
}

func (ec *EvalContext) Time() float64 { return ec.frame.time }
func (ec *EvalContext) Collection() *Collection { return ec.frame.collection }
func (ec *EvalContext) Channel() *Channel { return ec.frame.channel }
func (ec *EvalContext) Segment() *Segment { return ec.frame.segment }
func (ec *EvalContext) ChannelName() string { return ec.frame.channelName }
func (ec *EvalContext) Depth() int { return ec.frame.depth }

// SetErr records an evaluation failure. The first failure wins until the
// slot is cleared.
func (ec *EvalContext) SetErr(err error) {
	if ec == nil || err == nil || ec.err != nil {
		return
	}
	ec.err = err
}

// Err returns the recorded failure, if any.
func (ec *EvalContext) Err() error {
	if ec == nil {
		return nil
	}
	return ec.err
}

// ClearErr empties the error slot and returns what it held.
func (ec *EvalContext) ClearErr() error {
	if ec == nil {
		return nil
	}
	err := ec.err
	ec.err = nil
	return err
}
