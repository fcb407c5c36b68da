package device

import (
	"errors"
	"net"
	"time"
)

// tcpTransport bridges a remote TCP endpoint. One-shot connect, no TLS —
// the device link is opaque bytes, not an authenticated channel.
type tcpTransport struct {
	conn net.Conn
}

func openTCPFunc(cfg Config) (openFunc, error) {
	if cfg.TCPAddress == "" {
		return nil, errors.New("device: tcp address required")
	}
	return func() (transport, error) {
		conn, err := net.DialTimeout("tcp", cfg.TCPAddress, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return &tcpTransport{conn: conn}, nil
	}, nil
}

func (t *tcpTransport) readChunk(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *tcpTransport) write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *tcpTransport) close() error {
	return t.conn.Close()
}
