package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tilt-dev/testrig/pkg/logger"
)

// Registry tracks resources that are currently live, so that they can be
// swept if their owner never gets the chance to release them.
type Registry struct {
	mu     *sync.Mutex
	nextID int
	live   map[int]Resource
}

// DefaultRegistry is the only process-wide state in this package.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{mu: &sync.Mutex{}, live: make(map[int]Resource)}
}

// Register adds r and returns a func that removes it. The func is safe to
// call more than once.
func (reg *Registry) Register(r Resource) (unregister func()) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.nextID++
	id := reg.nextID
	reg.live[id] = r

	return func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		delete(reg.live, id)
	}
}

// Live returns registered resources in registration order.
func (reg *Registry) Live() []Resource {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	ids := make([]int, 0, len(reg.live))
	for id := range reg.live {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	v := make([]Resource, len(ids))
	for i, id := range ids {
		v[i] = reg.live[id]
	}
	return v
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.live)
}

// Sweep releases every live resource concurrently and returns all release errors.
func (reg *Registry) Sweep(ctx context.Context) error {
	live := reg.Live()
	if len(live) == 0 {
		return nil
	}
	logger.Get(ctx).Infof("Sweeping %d live resource(s)", len(live))

	var mu sync.Mutex
	var errs error
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, r := range live {
		r := r
		g.Go(func() error {
			if err := r.Release(gctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// SweepOnSignal sweeps reg when the process receives SIGINT or SIGTERM,
// then exits with status 130. The returned func stops listening.
func SweepOnSignal(ctx context.Context, reg *Registry) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case sig := <-sigs:
			logger.Get(ctx).Warnf("Received %s, cleaning up", sig)
			if err := reg.Sweep(ctx); err != nil {
				logger.Get(ctx).Errorf("sweep: %v", err)
			}
			os.Exit(130)
		case <-done:
		}
	}()

	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
