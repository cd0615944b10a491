package device

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.bug.st/serial"
)

// SerialLine backs a channel line with a real serial port: an attached
// terminal, modem, or peer machine speaking byte-synchronous framing.
type SerialLine struct {
	path string
	baud int
	port serial.Port
	unit int

	readTimeout time.Duration
}

// NewSerialLine prepares (but does not yet open) a serial line at path,
// running at baud, 8 data bits / no parity / one stop bit — the framing the
// reference terminal lines use.
func NewSerialLine(path string, baud int) *SerialLine {
	return &SerialLine{path: path, baud: baud, readTimeout: time.Second}
}

func (s *SerialLine) Open(unit int) error {
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.path, mode)
	if err != nil {
		return fmt.Errorf("device: open %s: %w", s.path, err)
	}
	s.port = port
	s.unit = unit
	return nil
}

func (s *SerialLine) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

func (s *SerialLine) Reset() error {
	if s.port == nil {
		return nil
	}
	return s.port.ResetInputBuffer()
}

// Cmd writes the low byte of data (for DirOut) or reads one byte into the
// low byte of the returned word (for DirIn), retrying transparently on the
// EINTR-class errors goroutine scheduling produces under load.
func (s *SerialLine) Cmd(dir Direction, cmd int, data uint16) (Status, uint16, error) {
	if s.port == nil {
		return StatusNotExist, 0, nil
	}
	switch dir {
	case DirOut:
		if err := s.writeByte(byte(data)); err != nil {
			return StatusError, 0, err
		}
		return StatusOK, 0, nil
	case DirIn:
		b, err := s.readByte()
		if err != nil {
			var nre *NoResponseError
			if errors.As(err, &nre) {
				return StatusError, 0, err
			}
			return StatusError, 0, err
		}
		return StatusOK, uint16(b), nil
	default:
		return StatusError, 0, fmt.Errorf("device: unknown direction %v", dir)
	}
}

func (s *SerialLine) readByte() (byte, error) {
	buf := make([]byte, 1)
	s.port.SetReadTimeout(s.readTimeout)
	for {
		n, err := s.port.Read(buf)
		if !isRetryableSyscallError(err) {
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return 0, &NoResponseError{Unit: s.unit}
			}
			return buf[0], nil
		}
	}
}

func (s *SerialLine) writeByte(b byte) error {
	buf := []byte{b}
	for {
		_, err := s.port.Write(buf)
		if !isRetryableSyscallError(err) {
			return err
		}
	}
}

func isRetryableSyscallError(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
