package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/logger"
)

// Orphan is a labelled container that no live orchestrator owns.
type Orphan struct {
	ID      container.ID
	Name    string
	Session string
	Created time.Time
}

// FindOrphans lists managed containers from other sessions that were
// created at least minAge ago. A minAge of zero matches every other session,
// which is only safe when no other test process is running.
func (o *Orchestrator) FindOrphans(ctx context.Context, minAge time.Duration) ([]Orphan, error) {
	list, err := o.client.ContainerList(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, errors.Wrap(err, "FindOrphans")
	}

	cutoff := o.clock.Now().Add(-minAge)
	var result []Orphan
	for _, s := range list {
		session := s.Labels[LabelSession]
		if session == o.session {
			continue
		}
		created := time.Unix(s.Created, 0)
		if minAge > 0 && created.After(cutoff) {
			continue
		}
		name := ""
		if len(s.Names) > 0 {
			name = s.Names[0]
		}
		result = append(result, Orphan{
			ID:      container.ID(s.ID),
			Name:    name,
			Session: session,
			Created: created,
		})
	}
	return result, nil
}

// SweepOrphans force-removes what FindOrphans reports, in parallel.
// It returns the orphans that were removed.
func (o *Orchestrator) SweepOrphans(ctx context.Context, minAge time.Duration) ([]Orphan, error) {
	orphans, err := o.FindOrphans(ctx, minAge)
	if err != nil {
		return nil, err
	}

	l := logger.Get(ctx)
	var mu sync.Mutex
	var removed []Orphan
	var errs error

	g, ctx := errgroup.WithContext(ctx)
	for _, orphan := range orphans {
		g.Go(func() error {
			err := o.client.ContainerRemove(ctx, orphan.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "removing %s", orphan.ID.ShortStr()))
				return nil
			}
			l.Infof("Removed orphaned container %s (%s)", orphan.Name, orphan.ID.ShortStr())
			removed = append(removed, orphan)
			return nil
		})
	}
	_ = g.Wait()
	return removed, errs
}
