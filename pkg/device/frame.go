package device

import (
	"encoding/binary"
	"fmt"
)

// Frame layout: [SOP][CMD/STATUS][LEN_L][LEN_H][DATA...][CK_L][CK_H][EOP].
// The checksum is the 16-bit two's complement of the byte sum from CMD
// through DATA.
const (
	StartOfPacket = 0x01
	EndOfPacket   = 0x17

	frameOverhead = 7
)

// Commands.
const (
	CmdEnterFlashMode = 0x38
	CmdWriteChunk     = 0x39
	CmdRestart        = 0x3B
	CmdPing           = 0x3C
)

// Status codes.
const (
	StatusSuccess            = 0x00
	StatusAlreadyInFlashMode = 0x01
	StatusLength             = 0x03
	StatusData               = 0x04
	StatusCommand            = 0x05
	StatusKey                = 0x06
	StatusChecksum           = 0x08
	StatusOffset             = 0x0A
)

// Ping replies.
const (
	ModeBootloader  = 0x00
	ModeApplication = 0x01
)

const (
	// MaxChunkSize is the largest image slice one write command carries.
	MaxChunkSize = 256
	// KeySize is the length of the flash mode key.
	KeySize = 6

	maxFrameData = MaxChunkSize + 4
)

// DefaultKey is the flash mode key accepted by stock bootloaders.
var DefaultKey = [KeySize]byte{0x0A, 0x1B, 0x2C, 0x3D, 0x4E, 0x5F}

func checksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return 1 + (0xFFFF ^ sum)
}

func encodeFrame(code byte, data []byte) []byte {
	frame := make([]byte, 0, frameOverhead+len(data))
	frame = append(frame, StartOfPacket, code)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(data)))
	frame = append(frame, data...)
	frame = binary.LittleEndian.AppendUint16(frame, checksum(frame[1:]))
	return append(frame, EndOfPacket)
}

func decodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < frameOverhead {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != StartOfPacket {
		return 0, nil, fmt.Errorf("invalid start of packet 0x%02X", frame[0])
	}
	if frame[len(frame)-1] != EndOfPacket {
		return 0, nil, fmt.Errorf("invalid end of packet 0x%02X", frame[len(frame)-1])
	}
	n := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) != frameOverhead+n {
		return 0, nil, fmt.Errorf("frame length %d does not match data length %d", len(frame), n)
	}
	want := binary.LittleEndian.Uint16(frame[len(frame)-3 : len(frame)-1])
	if got := checksum(frame[1 : len(frame)-3]); got != want {
		return 0, nil, fmt.Errorf("checksum mismatch: got 0x%04X, expected 0x%04X", got, want)
	}
	return frame[1], frame[4 : 4+n], nil
}

// splitFrame returns the first complete frame in buf and the remainder.
// Bytes ahead of a start marker are discarded. frame is nil when more
// input is needed.
func splitFrame(buf []byte) (frame, rest []byte, err error) {
	for len(buf) > 0 && buf[0] != StartOfPacket {
		buf = buf[1:]
	}
	if len(buf) < 4 {
		return nil, buf, nil
	}
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	if n > maxFrameData {
		return nil, nil, fmt.Errorf("frame data length %d exceeds %d", n, maxFrameData)
	}
	if len(buf) < frameOverhead+n {
		return nil, buf, nil
	}
	return buf[:frameOverhead+n], buf[frameOverhead+n:], nil
}
