package validation

import (
	"context"
	"fmt"

	"github.com/objstash/objstash/job"
)

// Runner executes folder checks. The pooled implementation offloads to a
// bounded set of worker slots; the inline one runs on the caller. Both
// invoke the same Check function, so results never diverge between
// execution contexts.
type Runner interface {
	Check(ctx context.Context, obj job.Object, dir string) (Result, error)
}

// InlineRunner runs checks synchronously on the calling goroutine.
type InlineRunner struct{}

func (InlineRunner) Check(_ context.Context, obj job.Object, dir string) (Result, error) {
	return Check(obj, dir), nil
}

// PoolRunner offloads checks to worker slots bounded by a semaphore. If
// the offload mechanism is unavailable or the offloaded check panics, it
// falls back to running the identical check inline.
type PoolRunner struct {
	slots chan struct{}
}

// NewPoolRunner returns a runner with n worker slots.
func NewPoolRunner(n int) *PoolRunner {
	if n <= 0 {
		n = 2
	}
	return &PoolRunner{slots: make(chan struct{}, n)}
}

func (r *PoolRunner) Check(ctx context.Context, obj job.Object, dir string) (Result, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-r.slots }()
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("offloaded check panicked: %v", rec)}
			}
		}()
		done <- outcome{res: Check(obj, dir)}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// Same algorithm, calling context. Results stay identical.
			return Check(obj, dir), nil
		}
		return out.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
