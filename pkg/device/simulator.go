package device

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPortClosed is returned by a closed simulator.
	ErrPortClosed = errors.New("port closed")
	// ErrDisconnected is returned once a simulated board has gone away.
	ErrDisconnected = errors.New("device disconnected")
)

// SimulatorConfig selects the faults a Simulator injects.
type SimulatorConfig struct {
	// Key accepted for flash mode. Zero means DefaultKey.
	Key [KeySize]byte
	// RefuseFlashMode rejects every mode switch.
	RefuseFlashMode bool
	// Silent never answers any command.
	Silent bool
	// DisconnectAt drops the board when a write at or beyond this offset
	// arrives. Zero disables.
	DisconnectAt int64
	// FailWrites makes the first n writes at an offset fail with a data
	// error.
	FailWrites map[uint32]int
	// WriteLatency delays every host write.
	WriteLatency time.Duration
	// BootDelay is how long the board stays silent after a restart.
	BootDelay time.Duration
	// NeverBoot keeps the board silent after a restart.
	NeverBoot bool
}

type simMode int

const (
	simApplication simMode = iota
	simBootloader
	simBooting
)

// Simulator is an in-memory Port that behaves like a board running the
// bootloader protocol.
type Simulator struct {
	cfg SimulatorConfig

	mu           sync.Mutex
	ready        chan struct{}
	in           []byte
	out          []byte
	readTimeout  time.Duration
	closed       bool
	disconnected bool

	mode   simMode
	bootAt time.Time
	flash  []byte

	enterCalls   int
	writeCalls   int
	restartCalls int
	pingCalls    int
	offsets      []uint32
}

// NewSimulator returns a board running its application.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Key == ([KeySize]byte{}) {
		cfg.Key = DefaultKey
	}
	failWrites := make(map[uint32]int, len(cfg.FailWrites))
	for k, v := range cfg.FailWrites {
		failWrites[k] = v
	}
	cfg.FailWrites = failWrites

	return &Simulator{
		cfg:   cfg,
		ready: make(chan struct{}, 1),
	}
}

func (s *Simulator) Write(p []byte) (int, error) {
	if s.cfg.WriteLatency > 0 {
		time.Sleep(s.cfg.WriteLatency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPortClosed
	}
	if s.disconnected {
		return 0, ErrDisconnected
	}

	s.in = append(s.in, p...)
	for {
		frame, rest, err := splitFrame(s.in)
		if err != nil {
			s.in = nil
			s.reply(StatusLength, nil)
			break
		}
		s.in = rest
		if frame == nil {
			break
		}
		s.handle(frame)
	}
	return len(p), nil
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	timeout := s.readTimeout
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrPortClosed
		}
		if len(s.out) > 0 {
			n := copy(p, s.out)
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.disconnected {
			s.mu.Unlock()
			return 0, ErrDisconnected
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-expired:
			return 0, nil
		}
	}
}

func (s *Simulator) SetReadTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = t
	return nil
}

func (s *Simulator) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrPortClosed
	}
	s.out = nil
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
	return nil
}

// Disconnect makes the board vanish, as if the cable were pulled.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	s.signal()
}

// Flash returns a copy of the bytes written since the last mode switch.
func (s *Simulator) Flash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.flash...)
}

// WriteOffsets returns the offsets of accepted writes, in order.
func (s *Simulator) WriteOffsets() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.offsets...)
}

func (s *Simulator) EnterCalls() int   { return s.count(&s.enterCalls) }
func (s *Simulator) WriteCalls() int   { return s.count(&s.writeCalls) }
func (s *Simulator) RestartCalls() int { return s.count(&s.restartCalls) }
func (s *Simulator) PingCalls() int    { return s.count(&s.pingCalls) }

// InApplication reports whether the board is running its application.
func (s *Simulator) InApplication() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceBoot()
	return s.mode == simApplication
}

func (s *Simulator) count(c *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *c
}

func (s *Simulator) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Simulator) reply(status byte, data []byte) {
	if s.cfg.Silent {
		return
	}
	s.out = append(s.out, encodeFrame(status, data)...)
	s.signal()
}

func (s *Simulator) advanceBoot() {
	if s.mode == simBooting && !s.cfg.NeverBoot && !time.Now().Before(s.bootAt) {
		s.mode = simApplication
	}
}

func (s *Simulator) handle(frame []byte) {
	cmd, data, err := decodeFrame(frame)
	if err != nil {
		s.reply(StatusChecksum, nil)
		return
	}

	switch cmd {
	case CmdEnterFlashMode:
		s.enterCalls++
		switch {
		case s.cfg.RefuseFlashMode, len(data) != KeySize, [KeySize]byte(data) != s.cfg.Key:
			s.reply(StatusKey, nil)
		case s.mode == simBootloader:
			s.reply(StatusAlreadyInFlashMode, nil)
		default:
			s.mode = simBootloader
			s.flash = nil
			s.reply(StatusSuccess, nil)
		}

	case CmdWriteChunk:
		s.writeCalls++
		if s.mode != simBootloader {
			s.reply(StatusCommand, nil)
			return
		}
		if len(data) < 5 {
			s.reply(StatusLength, nil)
			return
		}
		offset := binary.LittleEndian.Uint32(data)
		chunk := data[4:]

		if s.cfg.DisconnectAt > 0 && int64(offset) >= s.cfg.DisconnectAt {
			s.disconnected = true
			s.signal()
			return
		}
		if s.cfg.FailWrites[offset] > 0 {
			s.cfg.FailWrites[offset]--
			s.reply(StatusData, nil)
			return
		}
		if int(offset) > len(s.flash) {
			s.reply(StatusOffset, nil)
			return
		}

		end := int(offset) + len(chunk)
		if end > len(s.flash) {
			s.flash = append(s.flash, make([]byte, end-len(s.flash))...)
		}
		copy(s.flash[offset:], chunk)
		s.offsets = append(s.offsets, offset)
		s.reply(StatusSuccess, nil)

	case CmdRestart:
		s.restartCalls++
		s.reply(StatusSuccess, nil)
		s.mode = simBooting
		s.bootAt = time.Now().Add(s.cfg.BootDelay)

	case CmdPing:
		s.pingCalls++
		s.advanceBoot()
		switch s.mode {
		case simBooting:
			// silent while rebooting
		case simBootloader:
			s.reply(StatusSuccess, []byte{ModeBootloader})
		default:
			s.reply(StatusSuccess, []byte{ModeApplication})
		}

	default:
		s.reply(StatusCommand, nil)
	}
}
