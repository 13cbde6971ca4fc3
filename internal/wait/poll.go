// Package wait polls readiness predicates against external resources.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tilt-dev/probe/pkg/prober"

	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/pkg/logger"
)

const (
	DefaultInterval = 250 * time.Millisecond
	DefaultTimeout  = 60 * time.Second
)

type probeResult struct {
	result prober.Result
	output string
	err    error
}

// Satisfied treats redirects (Warning) as ready, like a 2xx.
func Satisfied(r prober.Result) bool {
	return r == prober.Success || r == prober.Warning
}

// Poll runs check immediately and then once per interval until it is
// satisfied, the timeout elapses, or ctx is done.
//
// A check that is still running when the timeout fires is abandoned, so
// Poll returns within timeout plus one interval. Timeouts are reported as
// WaitConditionTimeout errors; cancellation returns ctx.Err().
func Poll(ctx context.Context, clock clockwork.Clock, name string, check prober.Prober, interval, timeout time.Duration) error {
	l := logger.Get(ctx)
	deadline := clock.After(timeout)
	last := probeResult{result: prober.Unknown}

	timedOut := func() error {
		detail := fmt.Sprintf("not satisfied after %s", timeout)
		if last.err != nil {
			return lifecycle.WrapError(lifecycle.WaitConditionTimeout, name, last.err, "%s", detail)
		}
		if last.output != "" {
			detail += fmt.Sprintf(" (last result %s: %s)", last.result, last.output)
		}
		return lifecycle.NewError(lifecycle.WaitConditionTimeout, name, "%s", detail)
	}

	for attempt := 1; ; attempt++ {
		r, err := runCheck(ctx, check, deadline)
		switch {
		case err == errDeadline:
			return timedOut()
		case err != nil:
			return err
		}

		last = r
		if r.err == nil && Satisfied(r.result) {
			l.Debugf("[wait] %s satisfied after %d attempt(s)", name, attempt)
			return nil
		}
		if r.err != nil {
			l.Debugf("[wait] %s attempt %d: %v", name, attempt, r.err)
		} else {
			l.Debugf("[wait] %s attempt %d: %s %s", name, attempt, r.result, r.output)
		}

		select {
		case <-clock.After(interval):
		case <-deadline:
			return timedOut()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PollAttempts is Poll with a fixed retry budget instead of a deadline.
// Each attempt gets attemptTimeout to answer; one that does not counts as
// a failed attempt. The last check's failure is returned if every attempt
// fails.
func PollAttempts(ctx context.Context, clock clockwork.Clock, name string, check prober.Prober, attempts int, interval, attemptTimeout time.Duration) error {
	l := logger.Get(ctx)
	var last probeResult
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := runAttempt(ctx, check, attemptTimeout)
		if err != nil {
			return err
		}
		if r.err == nil && Satisfied(r.result) {
			l.Debugf("[wait] %s satisfied after %d attempt(s)", name, attempt)
			return nil
		}
		last = r
		if r.err != nil {
			l.Debugf("[wait] %s attempt %d/%d: %v", name, attempt, attempts, r.err)
		} else {
			l.Debugf("[wait] %s attempt %d/%d: %s %s", name, attempt, attempts, r.result, r.output)
		}

		if attempt == attempts {
			break
		}
		select {
		case <-clock.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if last.err != nil {
		return fmt.Errorf("%s: gave up after %d attempts: %w", name, attempts, last.err)
	}
	return fmt.Errorf("%s: gave up after %d attempts: %s %s", name, attempts, last.result, last.output)
}

// runAttempt runs one check bounded by timeout. Only cancellation of the
// parent ctx is returned as an error.
func runAttempt(ctx context.Context, check prober.Prober, timeout time.Duration) (probeResult, error) {
	if timeout <= 0 {
		return runCheck(ctx, check, nil)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := runCheck(actx, check, nil)
	if ctx.Err() != nil {
		return probeResult{}, ctx.Err()
	}
	if err != nil || (actx.Err() != nil && !Satisfied(r.result)) {
		return probeResult{result: prober.Failure, err: fmt.Errorf("no answer within %s", timeout)}, nil
	}
	return r, nil
}

var errDeadline = fmt.Errorf("deadline")

func runCheck(ctx context.Context, check prober.Prober, deadline <-chan time.Time) (probeResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan probeResult, 1)
	go func() {
		r, out, err := check.Probe(ctx)
		result <- probeResult{result: r, output: out, err: err}
	}()

	select {
	case r := <-result:
		return r, nil
	case <-deadline:
		return probeResult{}, errDeadline
	case <-ctx.Done():
		return probeResult{}, ctx.Err()
	}
}
