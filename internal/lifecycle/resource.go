package lifecycle

import (
	"context"
	"testing"

	"go.uber.org/multierr"

	"github.com/tilt-dev/testrig/pkg/logger"
)

// Resource is an external dependency with a managed lifetime.
//
// Acquire moves an Uninitialized resource to Ready, or fails. A second
// Acquire is a StateConflict. Release tears the resource down from any
// state and is a no-op once Stopped.
type Resource interface {
	Name() string
	State() State
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Use acquires r, runs fn, and releases r on every way out of fn:
// normal return, error, or panic. A panic is re-raised after release.
//
// If Acquire fails partway through, r is released too, so a half-started
// resource never leaks.
func Use(ctx context.Context, r Resource, fn func(ctx context.Context) error) (err error) {
	if err := r.Acquire(ctx); err != nil {
		if !startedByAcquire(r, err) {
			return err
		}
		return multierr.Append(err, releaseDetached(ctx, r))
	}

	defer func() {
		if p := recover(); p != nil {
			if rerr := releaseDetached(ctx, r); rerr != nil {
				logger.Get(ctx).Warnf("releasing %s after panic: %v", r.Name(), rerr)
			}
			panic(p)
		}
		err = multierr.Append(err, releaseDetached(ctx, r))
	}()

	return fn(ctx)
}

// UseForTest acquires r and releases it when the test and its subtests finish.
func UseForTest(t testing.TB, ctx context.Context, r Resource) {
	t.Helper()
	if err := r.Acquire(ctx); err != nil {
		if startedByAcquire(r, err) {
			_ = releaseDetached(ctx, r)
		}
		t.Fatalf("acquiring %s: %v", r.Name(), err)
	}
	t.Cleanup(func() {
		if err := releaseDetached(ctx, r); err != nil {
			t.Errorf("releasing %s: %v", r.Name(), err)
		}
	})
}

// A StateConflict means someone else owns r; anything else that left r
// past Uninitialized is ours to tear down.
func startedByAcquire(r Resource, err error) bool {
	return KindOf(err) != StateConflict && r.State() != Uninitialized
}

// Cleanup runs even when the caller's context was canceled.
func releaseDetached(ctx context.Context, r Resource) error {
	return r.Release(context.WithoutCancel(ctx))
}
