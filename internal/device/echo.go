package device

import (
	"context"
	"io"
)

// echoTransport is the loopback test harness: bytes written become bytes
// readable. When Config.EchoRateBytesPerSec is set, writes are paced
// through a token bucket (throttledWriter) so throughput-sensitive
// behavior is reproducible without a real UART.
type echoTransport struct {
	ch     chan []byte
	sink   io.Writer
	closed chan struct{}
}

func openEchoFunc(cfg Config) (openFunc, error) {
	return func() (transport, error) {
		e := &echoTransport{
			ch:     make(chan []byte, 256),
			closed: make(chan struct{}),
		}
		e.sink = newThrottledWriter(context.Background(), chanWriter{e}, cfg.EchoRateBytesPerSec)
		return e, nil
	}, nil
}

func (e *echoTransport) write(p []byte) (int, error) {
	return e.sink.Write(p)
}

func (e *echoTransport) readChunk(buf []byte) (int, error) {
	select {
	case data := <-e.ch:
		return copy(buf, data), nil
	case <-e.closed:
		return 0, io.ErrClosedPipe
	}
}

func (e *echoTransport) close() error {
	close(e.closed)
	return nil
}

// chanWriter is the unthrottled base writer for echoTransport: it delivers
// a copy of p onto the channel a readChunk call is waiting on.
type chanWriter struct {
	e *echoTransport
}

func (c chanWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case c.e.ch <- cp:
		return len(p), nil
	case <-c.e.closed:
		return 0, io.ErrClosedPipe
	}
}
