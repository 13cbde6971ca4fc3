package wait

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tilt-dev/probe/pkg/prober"
)

// Target is what a condition is evaluated against, usually a container.
type Target interface {
	// HostPort resolves a port published by the target to a host address.
	HostPort(ctx context.Context, port int) (host string, hostPort int, err error)

	// Logs returns everything the target has logged so far.
	Logs(ctx context.Context) (string, error)
}

// Condition is a readiness predicate with a polling strategy. It holds no
// evaluation state; each Wait builds a fresh checker.
type Condition struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	build    func(t Target) (prober.ProberFunc, error)
}

func (c Condition) String() string { return c.name }

func (c Condition) Interval() time.Duration { return c.interval }
func (c Condition) Timeout() time.Duration  { return c.timeout }

func (c Condition) WithInterval(d time.Duration) Condition {
	c.interval = d
	return c
}

func (c Condition) WithTimeout(d time.Duration) Condition {
	c.timeout = d
	return c
}

// Checker returns a probe bound to t. Log checkers remember how far they
// have read, so a checker must not be shared between waits.
func (c Condition) Checker(t Target) (prober.ProberFunc, error) {
	return c.build(t)
}

// Wait polls the condition against t with the condition's own interval
// and timeout.
func (c Condition) Wait(ctx context.Context, clock clockwork.Clock, t Target) error {
	check, err := c.build(t)
	if err != nil {
		return err
	}
	return Poll(ctx, clock, c.name, check, c.interval, c.timeout)
}

func newCondition(name string, build func(t Target) (prober.ProberFunc, error)) Condition {
	return Condition{name: name, interval: DefaultInterval, timeout: DefaultTimeout, build: build}
}

// ForHTTP is satisfied when a GET on rawURL answers 2xx or 3xx.
func ForHTTP(rawURL string) Condition {
	return newCondition(fmt.Sprintf("http %s", rawURL), func(t Target) (prober.ProberFunc, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid wait url %q: %v", rawURL, err)
		}
		return httpCheck(u), nil
	})
}

// ForContainerHTTP is ForHTTP against a target port, resolved on each poll.
func ForContainerHTTP(port int, path string) Condition {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return newCondition(fmt.Sprintf("http :%d%s", port, path), func(t Target) (prober.ProberFunc, error) {
		return func(ctx context.Context) (prober.Result, string, error) {
			host, hostPort, err := t.HostPort(ctx, port)
			if err != nil {
				return prober.Failure, err.Error(), nil
			}
			u := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(hostPort)), Path: path}
			return httpCheck(u)(ctx)
		}, nil
	})
}

func httpCheck(u *url.URL) prober.ProberFunc {
	return HTTPGet(u)
}

const maxRespBodyLength = 10 << 10

// HTTPGet checks u with a single GET that never follows redirects.
// 2xx is Success, 3xx is Warning (which Satisfied accepts), and anything
// else, including a transport error, is Failure.
func HTTPGet(u *url.URL) prober.ProberFunc {
	client := &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives:  true,
			DisableCompression: true,
			Proxy:              http.ProxyURL(nil),
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(ctx context.Context) (prober.Result, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return prober.Failure, err.Error(), nil
		}
		req.Header.Set("Accept", "*/*")
		res, err := client.Do(req)
		if err != nil {
			return prober.Failure, err.Error(), nil
		}
		defer func() { _ = res.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxRespBodyLength))

		switch {
		case res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices:
			return prober.Success, string(body), nil
		case res.StatusCode >= http.StatusMultipleChoices && res.StatusCode < http.StatusBadRequest:
			return prober.Warning, fmt.Sprintf("redirect %d to %s", res.StatusCode, res.Header.Get("Location")), nil
		}
		return prober.Failure, fmt.Sprintf("HTTP probe failed with statuscode: %d", res.StatusCode), nil
	}
}

// ForPort is satisfied once host:port accepts TCP connections.
func ForPort(host string, port int) Condition {
	return newCondition(fmt.Sprintf("port %s", net.JoinHostPort(host, strconv.Itoa(port))), func(t Target) (prober.ProberFunc, error) {
		p := prober.NewTCPSocketProber()
		return func(ctx context.Context) (prober.Result, string, error) {
			return p.Probe(ctx, host, port)
		}, nil
	})
}

// ForContainerPort is ForPort against a target port, resolved on each poll.
func ForContainerPort(port int) Condition {
	return newCondition(fmt.Sprintf("port :%d", port), func(t Target) (prober.ProberFunc, error) {
		p := prober.NewTCPSocketProber()
		return func(ctx context.Context) (prober.Result, string, error) {
			host, hostPort, err := t.HostPort(ctx, port)
			if err != nil {
				return prober.Failure, err.Error(), nil
			}
			return p.Probe(ctx, host, hostPort)
		}, nil
	})
}

// ForLog is satisfied when a log line contains substr.
func ForLog(substr string) Condition {
	return newCondition(fmt.Sprintf("log %q", substr), func(t Target) (prober.ProberFunc, error) {
		return logCheck(t, func(line string) bool { return strings.Contains(line, substr) }), nil
	})
}

// ForLogPattern is satisfied when a log line matches re.
func ForLogPattern(re *regexp.Regexp) Condition {
	return newCondition(fmt.Sprintf("log /%s/", re), func(t Target) (prober.ProberFunc, error) {
		return logCheck(t, re.MatchString), nil
	})
}

func logCheck(t Target, match func(line string) bool) prober.ProberFunc {
	s := &logScanner{}
	return func(ctx context.Context) (prober.Result, string, error) {
		text, err := t.Logs(ctx)
		if err != nil {
			return prober.Failure, "", err
		}
		if line, ok := s.scan(text, match); ok {
			return prober.Success, line, nil
		}
		return prober.Failure, fmt.Sprintf("no match in %d new byte(s)", s.scanned), nil
	}
}

// logScanner only looks at text appended since the previous scan.
// Complete lines are consumed; a trailing partial line is re-read next time
// so that a match split across two polls is still found.
type logScanner struct {
	mu      sync.Mutex
	offset  int
	scanned int
}

func (s *logScanner) scan(text string, match func(line string) bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(text) < s.offset {
		// the log was truncated or the source restarted
		s.offset = 0
	}
	fresh := text[s.offset:]
	s.scanned = len(fresh)

	complete := strings.LastIndex(fresh, "\n") + 1
	for _, line := range strings.Split(fresh[:complete], "\n") {
		if line != "" && match(line) {
			return line, true
		}
	}
	s.offset += complete

	if partial := fresh[complete:]; partial != "" && match(partial) {
		return partial, true
	}
	return "", false
}
