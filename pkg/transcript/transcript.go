// Package transcript implements the append-only diagnostic log of an
// installation run. One goroutine writes, any number of observers read
// snapshots without ever blocking the writer.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TimeFormat prefixes every line.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Transcript is an ordered, append-only sequence of timestamped lines.
//
// Appends extend a private backing slice and then publish a length-capped
// view of it through an atomic pointer. Elements of a published view are
// never written again, so readers can hold on to a snapshot indefinitely.
type Transcript struct {
	clock func() time.Time

	mu    sync.Mutex // serialises writers only
	lines []string

	published atomic.Pointer[[]string]
}

// New creates an empty transcript. A nil clock defaults to time.Now.
func New(clock func() time.Time) *Transcript {
	if clock == nil {
		clock = time.Now
	}
	t := &Transcript{clock: clock}
	empty := []string{}
	t.published.Store(&empty)
	return t
}

// Append adds one line, prefixed with the current time.
func (t *Transcript) Append(line string) {
	stamped := t.clock().UTC().Format(TimeFormat) + " " + line

	t.mu.Lock()
	t.lines = append(t.lines, stamped)
	view := t.lines[:len(t.lines):len(t.lines)]
	t.published.Store(&view)
	t.mu.Unlock()

	slog.Debug("transcript_append", "line", line)
}

// Appendf formats and appends one line.
func (t *Transcript) Appendf(format string, args ...any) {
	t.Append(fmt.Sprintf(format, args...))
}

// Lines returns the current snapshot. The returned slice must not be modified.
func (t *Transcript) Lines() []string {
	return *t.published.Load()
}

// Len returns the number of lines in the current snapshot.
func (t *Transcript) Len() int {
	return len(*t.published.Load())
}

// String joins the snapshot with newlines.
func (t *Transcript) String() string {
	return strings.Join(t.Lines(), "\n")
}

// Reset drops all lines. Snapshots taken before the reset are unaffected.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.lines = nil
	empty := []string{}
	t.published.Store(&empty)
	t.mu.Unlock()
}

// Count returns how many lines contain substr.
func Count(lines []string, substr string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
