package transcript

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestAppendTimestampsLines(t *testing.T) {
	tr := New(fixedClock())
	tr.Append("entering DOWNLOADING")
	tr.Appendf("downloaded %d bytes", 42)

	lines := tr.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-03-01T10:00:00.000Z entering DOWNLOADING", lines[0])
	assert.Equal(t, "2026-03-01T10:00:00.000Z downloaded 42 bytes", lines[1])
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, lines[0]+"\n"+lines[1], tr.String())
}

func TestSnapshotIsStable(t *testing.T) {
	tr := New(fixedClock())
	tr.Append("one")
	snap := tr.Lines()

	for i := 0; i < 100; i++ {
		tr.Appendf("line %d", i)
	}

	require.Len(t, snap, 1)
	assert.True(t, strings.HasSuffix(snap[0], " one"))
	assert.Equal(t, 101, tr.Len())
}

func TestResetKeepsOldSnapshots(t *testing.T) {
	tr := New(fixedClock())
	tr.Append("first run")
	before := tr.Lines()

	tr.Reset()
	assert.Empty(t, tr.Lines())
	require.Len(t, before, 1)

	tr.Append("second run")
	require.Len(t, tr.Lines(), 1)
	assert.True(t, strings.HasSuffix(before[0], "first run"))
}

func TestConcurrentReaders(t *testing.T) {
	tr := New(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				lines := tr.Lines()
				if len(lines) < prev {
					t.Errorf("snapshot shrank from %d to %d", prev, len(lines))
					return
				}
				for i, l := range lines {
					if !strings.HasSuffix(l, fmt.Sprintf("line %d", i)) {
						t.Errorf("line %d corrupted: %q", i, l)
						return
					}
				}
				prev = len(lines)
			}
		}()
	}

	for i := 0; i < 500; i++ {
		tr.Appendf("line %d", i)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 500, tr.Len())
}

func TestCount(t *testing.T) {
	lines := []string{"a retrying download", "b", "c retrying download"}
	assert.Equal(t, 2, Count(lines, "retrying download"))
	assert.Equal(t, 0, Count(nil, "x"))
}
