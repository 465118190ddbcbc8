package device

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// Port is the byte transport to a board. go.bug.st/serial ports satisfy it.
// Read returns (0, nil) when the read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// DefaultBaudRate is used when no rate is configured.
const DefaultBaudRate = 115200

// OpenSerial opens a serial port at the given baud rate.
func OpenSerial(path string, baudRate int) (Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	slog.Info("serial_port_opened", "port", path, "baud_rate", baudRate)
	return port, nil
}
