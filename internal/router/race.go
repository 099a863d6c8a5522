package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/pkg/types"
)

type raceResult[T any] struct {
	idx      int
	v        T
	err      error
	timedOut bool
}

// race calls every closed candidate at once. The first answer that is not
// an unavailability wins; the rest are cancelled and recorded as neutral.
// A half-open candidate gets its trial call alone, in rank order, before
// the closed ones race, so recovery is never starved by racing and a trial
// is never cancelled for losing. With fewer than two closed candidates the
// sequential walk is used instead.
func race[T any](ctx context.Context, r *Router, req Request, cands []candidate, fn Call[T]) (T, Result, error) {
	var zero T

	var closed int
	for _, c := range cands {
		if c.m.breaker.State() == breaker.StateClosed {
			closed++
		}
	}
	if closed < 2 {
		req.Race = false
		return Execute(ctx, r, req, fn)
	}

	var attempts []types.Attempt
	var entrants []candidate
	for _, c := range cands {
		switch c.m.breaker.State() {
		case breaker.StateClosed:
			entrants = append(entrants, c)
		case breaker.StateHalfOpen:
			v, att, answered := trial(ctx, r, req, c, fn)
			attempts = append(attempts, att)
			if answered {
				if att.Err != nil {
					return zero, Result{Backend: att.Backend, Attempts: attempts}, att.Err
				}
				return v, Result{Backend: att.Backend, Attempts: attempts, Failover: len(attempts) > 1}, nil
			}
			if ctx.Err() != nil {
				return zero, Result{Attempts: attempts}, deadlineError(ctx, req, "", false)
			}
		default:
			attempts = append(attempts, types.Attempt{Backend: c.m.desc.Name, Skipped: true, Err: types.ErrCircuitOpen})
		}
	}

	raceCtx, cancelAll := context.WithCancel(ctx)
	results := make(chan raceResult[T], len(entrants))
	var racers []candidate
	var permits []*breaker.Permit
	for _, c := range entrants {
		permit, err := r.admit(c.m)
		if err != nil {
			attempts = append(attempts, types.Attempt{Backend: c.m.desc.Name, Skipped: true, Err: err})
			continue
		}
		idx := len(racers)
		racers = append(racers, c)
		permits = append(permits, permit)
		go func(idx int, c candidate) {
			callCtx, cancel := context.WithTimeout(raceCtx, r.opts.CallTimeout)
			defer cancel()
			v, err := fn(callCtx, c.m.backend, c.mode)
			timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && raceCtx.Err() == nil
			results <- raceResult[T]{idx: idx, v: v, err: err, timedOut: timedOut}
		}(idx, c)
	}

	started := len(racers)
	for received := 0; received < started; received++ {
		res := <-results
		c := racers[res.idx]
		name := c.m.desc.Name
		permit := permits[res.idx]

		if res.err == nil || types.IsValidation(res.err) {
			permit.Done(breaker.Success)
			attempts = append(attempts, types.Attempt{Backend: name, Err: res.err})
			cancelAll()
			go drain(results, permits, started-received-1)
			if res.err != nil {
				return zero, Result{Backend: name, Attempts: attempts}, res.err
			}
			return res.v, Result{Backend: name, Attempts: attempts, Failover: len(attempts) > 1}, nil
		}

		err := res.err
		if ctx.Err() != nil {
			permit.Done(breaker.Neutral)
			attempts = append(attempts, types.Attempt{Backend: name, Err: err})
			continue
		}
		if res.timedOut {
			err = fmt.Errorf("%w: %s %s: call timed out after %v", types.ErrBackendUnavailable, name, req.Op, r.opts.CallTimeout)
		}
		permit.Done(breaker.Classify(err, false))
		attempts = append(attempts, types.Attempt{Backend: name, Err: err})
	}
	cancelAll()

	if ctx.Err() != nil {
		return zero, Result{Attempts: attempts}, deadlineError(ctx, req, "", false)
	}
	return zero, Result{Attempts: attempts}, &types.RoutingError{Op: req.Op, Kind: types.ErrAllBackendsUnavailable, Attempts: attempts}
}

// trial makes the single call a half-open candidate is allowed. answered
// reports whether the call settled the request: a success or a validation
// failure.
func trial[T any](ctx context.Context, r *Router, req Request, c candidate, fn Call[T]) (v T, att types.Attempt, answered bool) {
	name := c.m.desc.Name
	permit, err := r.admit(c.m)
	if err != nil {
		return v, types.Attempt{Backend: name, Skipped: true, Err: err}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	v, err = fn(callCtx, c.m.backend, c.mode)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	switch {
	case err == nil:
		permit.Done(breaker.Success)
		return v, types.Attempt{Backend: name}, true
	case ctx.Err() != nil:
		permit.Done(breaker.Neutral)
		return v, types.Attempt{Backend: name, Err: err}, false
	case timedOut:
		err = fmt.Errorf("%w: %s %s: call timed out after %v", types.ErrBackendUnavailable, name, req.Op, r.opts.CallTimeout)
	}
	permit.Done(breaker.Classify(err, false))
	if types.IsValidation(err) {
		return v, types.Attempt{Backend: name, Err: err}, true
	}
	log.Printf("router: %s trial on %s failed, racing the rest: %v", req.Op, name, err)
	return v, types.Attempt{Backend: name, Err: err}, false
}

// drain settles the permits of cancelled losers. A loser that answered
// anyway still counts as a success.
func drain[T any](results <-chan raceResult[T], permits []*breaker.Permit, n int) {
	for i := 0; i < n; i++ {
		res := <-results
		if res.err == nil {
			permits[res.idx].Done(breaker.Success)
		} else {
			permits[res.idx].Done(breaker.Neutral)
		}
	}
}
