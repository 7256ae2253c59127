// Package scheduler is the pull-based work scheduler (C10): workers
// request a batch of eligible states for a namespace and a set of
// accepted node names; each slot in the batch is filled by an
// independent atomic find-and-update, so partial results are normal,
// not an error.
//
// Ported from the reference implementation's
// app/controller/enqueue_states.py (concurrent per-slot find_state via
// asyncio.gather), translated to Go's goroutines + sync.WaitGroup —
// the direct idiomatic analogue the teacher itself reaches for
// whenever it fans out independent work (e.g. internal/server
// launching a background goroutine per pipeline).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/model"
)

// Request is one pull: a namespace, the set of node names the caller
// is willing to execute, and how many states to lease at most.
type Request struct {
	Namespace string
	Nodes     []string
	BatchSize int
}

// Enqueue performs BatchSize concurrent atomic find-and-update leases
// and returns however many states actually matched — a result shorter
// than BatchSize is expected, not an error (§4.6: "results may return
// fewer than batch_size documents").
func Enqueue(ctx context.Context, states docstore.StateCollection, req Request) ([]model.State, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}

	now := clock.NowMS()
	results := make([]*model.State, req.BatchSize)
	var wg sync.WaitGroup
	for i := 0; i < req.BatchSize; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok, err := states.FindAndLease(ctx, req.Namespace, req.Nodes, now)
			if err != nil || !ok {
				return
			}
			results[i] = &s
		}()
	}
	wg.Wait()

	out := make([]model.State, 0, req.BatchSize)
	for _, s := range results {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// Sweeper is the optional best-effort background lease-expiry reaper
// spec §4.6 explicitly leaves to implementations ("MAY add"). Disabled
// by a zero Deadline; see DESIGN.md open question 2.
type Sweeper struct {
	States   docstore.StateCollection
	Interval time.Duration
	Deadline time.Duration
}

// Run blocks, sweeping every Interval until ctx is done. A no-op loop
// if Deadline is zero.
func (sw *Sweeper) Run(ctx context.Context) {
	if sw.Deadline <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := clock.NowMS() - sw.Deadline.Milliseconds()
	_, _ = sw.States.ResetStaleQueued(ctx, cutoff)
}
