package wait

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilt-dev/probe/pkg/prober"

	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/testutils"
)

type fakeTarget struct {
	mu    sync.Mutex
	logs  strings.Builder
	ports map[int]int
	reads int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{ports: make(map[int]int)}
}

func (t *fakeTarget) HostPort(ctx context.Context, port int) (string, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hp, ok := t.ports[port]
	if !ok {
		return "", 0, fmt.Errorf("port %d not published", port)
	}
	return "127.0.0.1", hp, nil
}

func (t *fakeTarget) Logs(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads++
	return t.logs.String(), nil
}

func (t *fakeTarget) log(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs.WriteString(s)
}

type pollFixture struct {
	t     *testing.T
	ctx   context.Context
	clock *clockwork.FakeClock
	done  chan error
}

func newPollFixture(t *testing.T) *pollFixture {
	return &pollFixture{
		t:     t,
		ctx:   testutils.CtxForTest(),
		clock: clockwork.NewFakeClock(),
		done:  make(chan error, 1),
	}
}

func (f *pollFixture) start(c Condition, target Target) {
	go func() {
		f.done <- c.Wait(f.ctx, f.clock, target)
	}()
}

// tick waits for the poller to park on its interval timer and the deadline,
// then advances past the interval.
func (f *pollFixture) tick(d time.Duration) {
	f.clock.BlockUntil(2)
	f.clock.Advance(d)
}

func (f *pollFixture) result() error {
	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		f.t.Fatal("poll did not return")
		return nil
	}
}

func TestHTTPSucceedsOnThirdPoll(t *testing.T) {
	f := newPollFixture(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	interval := 250 * time.Millisecond
	start := f.clock.Now()
	f.start(ForHTTP(srv.URL+"/ready").WithInterval(interval).WithTimeout(10*time.Second), newFakeTarget())

	f.tick(interval)
	f.tick(interval)
	require.NoError(t, f.result())

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.LessOrEqual(t, f.clock.Since(start), 3*interval)
}

func TestHTTPRedirectCountsAsReady(t *testing.T) {
	var followed int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&followed, 1)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cond := ForHTTP(srv.URL + "/ready").WithTimeout(time.Second)
	err := cond.Wait(testutils.CtxForTest(), clockwork.NewRealClock(), newFakeTarget())
	assert.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&followed))
}

func TestHTTPRedirectLoopCountsAsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusMovedPermanently)
	}))
	defer srv.Close()

	cond := ForHTTP(srv.URL + "/loop").WithTimeout(time.Second)
	err := cond.Wait(testutils.CtxForTest(), clockwork.NewRealClock(), newFakeTarget())
	assert.NoError(t, err)
}

func TestHTTPGetResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("fine")) })
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusSeeOther)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for path, want := range map[string]prober.Result{
		"/ok":     prober.Success,
		"/moved":  prober.Warning,
		"/broken": prober.Failure,
	} {
		u, err := url.Parse(srv.URL + path)
		require.NoError(t, err)
		got, out, err := HTTPGet(u)(testutils.CtxForTest())
		require.NoError(t, err)
		assert.Equal(t, want, got, "%s: %s", path, out)
	}
}

func TestContainerHTTPResolvesPortEachPoll(t *testing.T) {
	f := newPollFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
	}))
	defer srv.Close()
	_, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)

	target := newFakeTarget()
	f.start(ForContainerHTTP(8080, "health"), target)

	// first poll fails: the port is not published yet
	f.clock.BlockUntil(2)
	target.mu.Lock()
	target.ports[8080] = port
	target.mu.Unlock()
	f.clock.Advance(DefaultInterval)

	require.NoError(t, f.result())
}

func TestTimeout(t *testing.T) {
	f := newPollFixture(t)
	f.start(ForLog("ready").WithInterval(time.Second).WithTimeout(3*time.Second), newFakeTarget())

	f.tick(time.Second)
	f.tick(time.Second)
	f.tick(time.Second)

	err := f.result()
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrWaitConditionTimeout))
	assert.Contains(t, err.Error(), `log "ready"`)
}

func TestCancelStopsPolling(t *testing.T) {
	f := newPollFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	f.ctx = ctx
	f.start(ForLog("ready"), newFakeTarget())

	f.clock.BlockUntil(2)
	cancel()

	err := f.result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHungCheckStillTimesOut(t *testing.T) {
	f := newPollFixture(t)
	hung := prober.ProberFunc(func(ctx context.Context) (prober.Result, string, error) {
		<-ctx.Done()
		return prober.Failure, "", ctx.Err()
	})

	go func() {
		f.done <- Poll(f.ctx, f.clock, "hung", hung, time.Second, 5*time.Second)
	}()
	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Second)

	assert.True(t, errors.Is(f.result(), lifecycle.ErrWaitConditionTimeout))
}

func TestLogOnlyScansNewLines(t *testing.T) {
	target := newFakeTarget()
	var seen []string
	s := &logScanner{}
	match := func(line string) bool {
		seen = append(seen, line)
		return line == "server started"
	}

	target.log("booting\nloading config\n")
	text, _ := target.Logs(context.Background())
	_, ok := s.scan(text, match)
	assert.False(t, ok)
	assert.Equal(t, []string{"booting", "loading config"}, seen)

	seen = nil
	target.log("server sta")
	text, _ = target.Logs(context.Background())
	_, ok = s.scan(text, match)
	assert.False(t, ok)
	assert.Equal(t, []string{"server sta"}, seen)

	seen = nil
	target.log("rted\n")
	text, _ = target.Logs(context.Background())
	line, ok := s.scan(text, match)
	assert.True(t, ok)
	assert.Equal(t, "server started", line)
	assert.Equal(t, []string{"server started"}, seen)
}

func TestLogScannerHandlesRestart(t *testing.T) {
	s := &logScanner{}
	match := func(line string) bool { return line == "ready" }

	_, ok := s.scan("a long line of startup noise\n", match)
	assert.False(t, ok)

	_, ok = s.scan("ready\n", match)
	assert.True(t, ok)
}

func TestLogPattern(t *testing.T) {
	f := newPollFixture(t)
	target := newFakeTarget()
	target.log("listening on :0\n")

	f.start(ForLogPattern(regexp.MustCompile(`listening on :\d{4,}`)), target)
	f.clock.BlockUntil(2)
	target.log("listening on :5432\n")
	f.clock.Advance(DefaultInterval)

	require.NoError(t, f.result())
}

func TestPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = ForPort("127.0.0.1", port).Wait(testutils.CtxForTest(), clockwork.NewRealClock(), newFakeTarget())
	assert.NoError(t, err)

	target := newFakeTarget()
	target.ports[5432] = port
	err = ForContainerPort(5432).Wait(testutils.CtxForTest(), clockwork.NewRealClock(), target)
	assert.NoError(t, err)
}

func TestPollAttemptsBoundsEachAttempt(t *testing.T) {
	hung := prober.ProberFunc(func(ctx context.Context) (prober.Result, string, error) {
		<-ctx.Done()
		select {}
	})

	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- PollAttempts(testutils.CtxForTest(), clock, "health", hung, 2, 250*time.Millisecond, 20*time.Millisecond)
	}()
	clock.BlockUntil(1)
	clock.Advance(250 * time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gave up after 2 attempts")
		assert.Contains(t, err.Error(), "no answer within 20ms")
	case <-time.After(5 * time.Second):
		t.Fatal("PollAttempts blocked on a check that never returns")
	}
}

func TestPollAttempts(t *testing.T) {
	var calls int32
	failing := prober.ProberFunc(func(ctx context.Context) (prober.Result, string, error) {
		atomic.AddInt32(&calls, 1)
		return prober.Failure, "connection refused", nil
	})

	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- PollAttempts(testutils.CtxForTest(), clock, "health", failing, 3, 250*time.Millisecond, time.Second)
	}()
	clock.BlockUntil(1)
	clock.Advance(250 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(250 * time.Millisecond)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
