// Package listener accepts TCP clients and attaches each one to the
// registry with no handshake — connecting is enough to become a client.
// Grounded on this codebase's server.Run accept loop: a transient Accept
// error backs off, capped, after enough consecutive failures; a permanent
// one (listener closed) stops the loop.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/crabterm/crabterm/internal/registry"
)

const (
	backoffAfter = 5
	backoffStep  = 50 * time.Millisecond
	backoffMax   = 5 * time.Second
)

// Listener binds a TCP port and attaches every accepted connection to a
// registry as an ordinary (non-exempt) client.
type Listener struct {
	addr     string
	registry *registry.Registry
	logger   *slog.Logger
	onAttach func(*registry.Client)
	dscp     int

	ln net.Listener
}

// New builds a Listener for addr (e.g. ":7777"). onAttach, if non-nil, is
// called synchronously with each newly attached client — cmd/crabterm uses
// this to start the client's input-merger goroutine. dscpClass, if
// non-empty, is parsed via ParseDSCP and applied to every accepted socket.
func New(addr string, reg *registry.Registry, logger *slog.Logger, onAttach func(*registry.Client), dscpClass string) (*Listener, error) {
	dscp, err := ParseDSCP(dscpClass)
	if err != nil {
		return nil, err
	}
	return &Listener{addr: addr, registry: reg, logger: logger, onAttach: onAttach, dscp: dscp}, nil
}

// Serve binds the listen address and accepts connections until ctx is done
// or Close is called. It blocks; run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			consecutiveErrors++
			l.logger.Warn("listener: accept failed", "error", err, "consecutive", consecutiveErrors)
			if consecutiveErrors >= backoffAfter {
				delay := time.Duration(consecutiveErrors-backoffAfter+1) * backoffStep
				if delay > backoffMax {
					delay = backoffMax
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
			}
			continue
		}
		consecutiveErrors = 0

		if err := applyDSCP(conn, l.dscp); err != nil {
			l.logger.Warn("listener: failed to apply DSCP marking", "error", err)
		}

		label := conn.RemoteAddr().String()
		client := l.registry.Attach(label, conn, conn, conn, false)
		l.logger.Info("listener: client attached", "client", client.ID, "remote", label)
		if l.onAttach != nil {
			l.onAttach(client)
		}
	}
}

// Addr returns the bound listen address, or "" if Serve hasn't bound yet.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
