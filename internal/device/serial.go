package device

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// serialTransport bridges a local serial/UART port. A short read timeout
// is configured so readChunk can periodically check for shutdown instead
// of blocking forever on an idle line; a bare timeout (n==0, err==nil) is
// not a failure and is retried transparently.
type serialTransport struct {
	port   serial.Port
	closed atomic.Bool
}

func openSerialFunc(cfg Config) (openFunc, error) {
	if cfg.SerialPath == "" {
		return nil, errors.New("device: serial path required")
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	return func() (transport, error) {
		port, err := serial.Open(cfg.SerialPath, mode)
		if err != nil {
			return nil, err
		}
		if err := port.SetReadTimeout(300 * time.Millisecond); err != nil {
			port.Close()
			return nil, err
		}
		return &serialTransport{port: port}, nil
	}, nil
}

func (s *serialTransport) readChunk(buf []byte) (int, error) {
	for {
		if s.closed.Load() {
			return 0, io.ErrClosedPipe
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		// Read timeout with no data: not a failure, keep waiting.
	}
}

func (s *serialTransport) write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialTransport) close() error {
	s.closed.Store(true)
	return s.port.Close()
}
