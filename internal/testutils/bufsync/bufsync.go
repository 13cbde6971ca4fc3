package bufsync

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ThreadSafeBuffer is a bytes.Buffer that a process and a test can share.
type ThreadSafeBuffer struct {
	buf *bytes.Buffer
	mu  sync.Mutex
}

func NewThreadSafeBuffer() *ThreadSafeBuffer {
	return &ThreadSafeBuffer{
		buf: bytes.NewBuffer(nil),
	}
}

func (b *ThreadSafeBuffer) Write(bs []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(bs)
}

func (b *ThreadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Lines returns the complete lines written so far. A trailing partial line is omitted.
func (b *ThreadSafeBuffer) Lines() []string {
	s := b.String()
	idx := strings.LastIndex(s, "\n")
	if idx < 0 {
		return nil
	}
	return strings.Split(s[:idx], "\n")
}

func (b *ThreadSafeBuffer) AssertEventuallyContains(tb testing.TB, expected string, timeout time.Duration) {
	tb.Helper()
	assert.Eventuallyf(tb, func() bool {
		return strings.Contains(b.String(), expected)
	}, timeout, 10*time.Millisecond,
		"Expected: %q. Actual: %q", expected, LazyString(b.String))
}

func (b *ThreadSafeBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Reset()
}

var _ io.Writer = &ThreadSafeBuffer{}

type LazyString func() string

func (s LazyString) String() string {
	return s()
}
