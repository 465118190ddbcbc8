package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLink(cfg SimulatorConfig) (*Bootloader, *Handle, *Simulator) {
	sim := NewSimulator(cfg)
	link := NewBootloader(WithTimeout(300*time.Millisecond), WithPollInterval(10*time.Millisecond))
	return link, NewHandle("sim", sim), sim
}

func requireKind(t *testing.T, err error, kind ProtocolKind) {
	t.Helper()
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
	assert.Equal(t, kind, perr.Kind, "error: %v", err)
}

func TestBootloader_FullCycle(t *testing.T) {
	link, h, sim := newTestLink(SimulatorConfig{BootDelay: 30 * time.Millisecond})
	ctx := context.Background()

	image := bytes.Repeat([]byte{0x5A, 0xA5}, 300)

	require.NoError(t, link.EnterFlashMode(ctx, h))
	require.NoError(t, link.EnterFlashMode(ctx, h), "second mode switch is idempotent")

	for off := 0; off < len(image); off += MaxChunkSize {
		end := min(off+MaxChunkSize, len(image))
		require.NoError(t, link.WriteChunk(ctx, h, uint32(off), image[off:end]))
	}
	assert.Equal(t, image, sim.Flash())
	assert.Equal(t, []uint32{0, 256, 512}, sim.WriteOffsets())

	require.NoError(t, link.Restart(ctx, h))
	assert.True(t, link.AwaitBootAcknowledgement(ctx, h, time.Second))
	assert.True(t, sim.InApplication())
	assert.Equal(t, 2, sim.EnterCalls())
	assert.Equal(t, 1, sim.RestartCalls())
}

func TestBootloader_ModeRefused(t *testing.T) {
	link, h, _ := newTestLink(SimulatorConfig{RefuseFlashMode: true})
	err := link.EnterFlashMode(context.Background(), h)
	requireKind(t, err, ModeRefused)
}

func TestBootloader_WrongKey(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Key: [KeySize]byte{1, 2, 3, 4, 5, 6}})
	link := NewBootloader(WithTimeout(300 * time.Millisecond))
	err := link.EnterFlashMode(context.Background(), NewHandle("sim", sim))
	requireKind(t, err, ModeRefused)
}

func TestBootloader_Unresponsive(t *testing.T) {
	link, h, _ := newTestLink(SimulatorConfig{Silent: true})

	start := time.Now()
	err := link.EnterFlashMode(context.Background(), h)
	requireKind(t, err, Unresponsive)
	assert.Less(t, time.Since(start), 2*time.Second, "operation must be bounded by the timeout")
}

func TestBootloader_WriteFailures(t *testing.T) {
	link, h, sim := newTestLink(SimulatorConfig{
		FailWrites:   map[uint32]int{256: 1},
		DisconnectAt: 512,
	})
	ctx := context.Background()
	chunk := bytes.Repeat([]byte{1}, MaxChunkSize)

	requireKind(t, link.WriteChunk(ctx, h, 0, chunk), Transport) // not in flash mode yet

	require.NoError(t, link.EnterFlashMode(ctx, h))
	require.NoError(t, link.WriteChunk(ctx, h, 0, chunk))

	requireKind(t, link.WriteChunk(ctx, h, 256, chunk), Transport)
	require.NoError(t, link.WriteChunk(ctx, h, 256, chunk))

	requireKind(t, link.WriteChunk(ctx, h, 512, chunk), Transport)  // board drops
	requireKind(t, link.WriteChunk(ctx, h, 512, chunk), Transport)

	assert.Len(t, sim.Flash(), 512)
	requireKind(t, link.WriteChunk(ctx, h, 0, nil), Transport)
	requireKind(t, link.WriteChunk(ctx, h, 0, make([]byte, MaxChunkSize+1)), Transport)
}

func TestBootloader_RejectsGap(t *testing.T) {
	link, h, sim := newTestLink(SimulatorConfig{})
	ctx := context.Background()
	chunk := bytes.Repeat([]byte{2}, 16)

	require.NoError(t, link.EnterFlashMode(ctx, h))
	require.NoError(t, link.WriteChunk(ctx, h, 0, chunk))
	requireKind(t, link.WriteChunk(ctx, h, 64, chunk), Transport)
	require.NoError(t, link.WriteChunk(ctx, h, 16, chunk))
	assert.Equal(t, []uint32{0, 16}, sim.WriteOffsets())
}

func TestBootloader_NeverBoots(t *testing.T) {
	link, h, _ := newTestLink(SimulatorConfig{NeverBoot: true})
	ctx := context.Background()

	require.NoError(t, link.EnterFlashMode(ctx, h))
	require.NoError(t, link.Restart(ctx, h))

	start := time.Now()
	assert.False(t, link.AwaitBootAcknowledgement(ctx, h, 150*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBootloader_BootloaderPingIsNotAnAck(t *testing.T) {
	link, h, _ := newTestLink(SimulatorConfig{})
	ctx := context.Background()

	require.NoError(t, link.EnterFlashMode(ctx, h))
	assert.False(t, link.AwaitBootAcknowledgement(ctx, h, 100*time.Millisecond))
}

// stallPort blocks every write until it is closed.
type stallPort struct {
	mu      sync.Mutex
	writes  int
	release chan struct{}
	once    sync.Once
}

func newStallPort() *stallPort { return &stallPort{release: make(chan struct{})} }

func (p *stallPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes++
	p.mu.Unlock()
	<-p.release
	return 0, ErrPortClosed
}

func (p *stallPort) Read([]byte) (int, error)            { return 0, nil }
func (p *stallPort) SetReadTimeout(time.Duration) error { return nil }
func (p *stallPort) ResetInputBuffer() error            { return nil }

func (p *stallPort) Close() error {
	p.once.Do(func() { close(p.release) })
	return nil
}

func (p *stallPort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func TestBootloader_StalledWriteRetiresHandle(t *testing.T) {
	port := newStallPort()
	defer port.Close()
	link := NewBootloader(WithTimeout(50 * time.Millisecond))
	h := NewHandle("stalled", port)
	ctx := context.Background()

	err := link.EnterFlashMode(ctx, h)
	requireKind(t, err, Unresponsive)
	assert.ErrorIs(t, err, ErrHandleWedged)
	assert.True(t, h.Wedged())

	// The first write is still pending; nothing else may reach the port.
	err = link.WriteChunk(ctx, h, 0, []byte{1, 2, 3})
	requireKind(t, err, Transport)
	assert.ErrorIs(t, err, ErrHandleWedged)
	assert.False(t, link.AwaitBootAcknowledgement(ctx, h, 30*time.Millisecond))
	assert.Equal(t, 1, port.writeCount())
}
