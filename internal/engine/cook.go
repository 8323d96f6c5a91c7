package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

// MaxSamples bounds the number of time samples one CookRequest may ask for.
const MaxSamples = 1 << 16

// CookRequest asks for a collection's channels sampled over [Start, End].
type CookRequest struct {
	Collection string
	Channels   []string // empty cooks every active channel
	Start, End float64
	Step       float64 // 0 samples once per frame
}

// CookResult holds the samples of one request. Err is the first failure;
// a failed evaluation still contributes the value the channel reported.
type CookResult struct {
	Collection string               `json:"collection"`
	Times      []float64            `json:"times"`
	Values     map[string][]float64 `json:"values"`
	Err        error                `json:"-"`
}

// Cook evaluates every request on the pool and returns the results in
// request order. Requests for the same collection run one after another;
// different collections cook in parallel. The returned error reports only
// pool failures such as shutdown or ctx cancellation.
func (p *WorkerPool) Cook(ctx context.Context, reqs []CookRequest) ([]CookResult, error) {
	results := make([]CookResult, len(reqs))
	locks := make(map[string]*sync.Mutex)
	for _, r := range reqs {
		if locks[r.Collection] == nil {
			locks[r.Collection] = &sync.Mutex{}
		}
	}

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		err := p.Submit(ctx, func(ctx context.Context, ec *channel.EvalContext) error {
			defer wg.Done()
			mu := locks[reqs[i].Collection]
			mu.Lock()
			defer mu.Unlock()
			results[i] = p.cookOne(ctx, ec, reqs[i])
			return results[i].Err
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return results, err
		}
	}
	wg.Wait()
	return results, ctx.Err()
}

func (p *WorkerPool) cookOne(ctx context.Context, ec *channel.EvalContext, req CookRequest) CookResult {
	start := time.Now()
	defer func() { cookDuration.Observe(time.Since(start).Seconds()) }()

	res := CookResult{Collection: req.Collection}
	c, ok := p.manager.Collection(req.Collection)
	if !ok {
		res.Err = schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", req.Collection)
		return res
	}
	times, err := SampleTimes(req.Start, req.End, req.Step, p.manager.FPS())
	if err != nil {
		res.Err = err
		return res
	}
	names := req.Channels
	if len(names) == 0 {
		for _, ch := range c.Channels() {
			if ch.IsActive() {
				names = append(names, ch.Name())
			}
		}
	}

	res.Times = times
	res.Values = make(map[string][]float64, len(names))
	for _, name := range names {
		res.Values[name] = make([]float64, 0, len(times))
	}
	for _, t := range times {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			return res
		}
		for _, name := range names {
			v, err := c.Evaluate(ctx, ec.Worker(), name, t)
			res.Values[name] = append(res.Values[name], v)
			cookSamplesTotal.Inc()
			if err != nil && res.Err == nil {
				res.Err = err
			}
		}
	}
	return res
}

// SampleTimes returns start, start+step, ... up to end inclusive. A zero
// step means one frame at fps.
func SampleTimes(start, end, step, fps float64) ([]float64, error) {
	if step == 0 && fps > 0 {
		step = 1 / fps
	}
	switch {
	case step <= 0 || math.IsNaN(step) || math.IsInf(step, 0):
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sample step %g", step)
	case end < start || math.IsNaN(start) || math.IsNaN(end):
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sample range [%g, %g]", start, end)
	}
	n := math.Floor((end-start)/step+1e-9) + 1
	if n > MaxSamples {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"range [%g, %g] at step %g needs %.0f samples, limit is %d", start, end, step, n, MaxSamples)
	}
	times := make([]float64, int(n))
	for i := range times {
		times[i] = start + float64(i)*step
	}
	return times, nil
}
