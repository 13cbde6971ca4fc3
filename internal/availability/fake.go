package availability

import (
	"context"
	"sync"
)

// FakeChecker returns canned results; systems without one are Available.
type FakeChecker struct {
	mu      sync.Mutex
	results map[SystemKind]Result
	calls   []SystemKind
}

var _ Checker = &FakeChecker{}

func NewFakeChecker() *FakeChecker {
	return &FakeChecker{results: make(map[SystemKind]Result)}
}

func (f *FakeChecker) SetResult(r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[r.System] = r
}

func (f *FakeChecker) SetStatus(system SystemKind, status Status) {
	f.SetResult(Result{System: system, Status: status, Binary: string(system), Detail: "fake " + status.String()})
}

func (f *FakeChecker) Check(ctx context.Context, system SystemKind) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, system)
	if r, ok := f.results[system]; ok {
		return r
	}
	return Result{System: system, Status: Available, Binary: string(system)}
}

func (f *FakeChecker) Calls() []SystemKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemKind{}, f.calls...)
}
