// Package merge reads from every attached client's source and submits the
// bytes to the device's single writer, pausing a client's reads when the
// device signals backpressure and resuming automatically on the next
// generation. Grounded on this codebase's ParallelStream, whose
// writeMu-serialized sender goroutines feed one mutex-guarded writer from
// many independent producers — merge generalizes that to "one
// generation-scoped device writer fed by many client readers."
package merge

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/crabterm/crabterm/internal/device"
	"github.com/crabterm/crabterm/internal/registry"
)

// ReadCap bounds a single read from a client source before it is submitted
// to the device.
const ReadCap = 4096

// writer is the minimal device surface merge needs — satisfied by
// *device.Manager.
type writer interface {
	Write(ctx context.Context, p []byte) (int, error)
	Generation() uint64
	WaitForGeneration(ctx context.Context, after uint64) error
	WaitWritable(ctx context.Context, after uint64) error
}

// Merger runs one reader goroutine per attached client, forwarding its
// input to the device.
type Merger struct {
	dev    writer
	logger *slog.Logger
}

// New builds a Merger over dev.
func New(dev writer, logger *slog.Logger) *Merger {
	return &Merger{dev: dev, logger: logger}
}

// Serve reads c.Source until ctx is done, the source returns an error
// (client gone — the caller is expected to have Detach'd it, this just
// returns), or a read completes after the client has left StateAttached
// (those bytes are not forwarded). It blocks for the
// lifetime of the client's input side and is meant to be run in its own
// goroutine per client.
func (m *Merger) Serve(ctx context.Context, c *registry.Client) {
	buf := make([]byte, ReadCap)
	for {
		n, err := c.Source.Read(buf)
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("merge: client source read failed", "client", c.ID, "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if c.State() != registry.StateAttached {
			// Detached (draining) clients' input is no longer forwarded.
			return
		}

		if err := m.submit(ctx, buf[:n]); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			// Disconnected or persistently blocked: the in-flight buffer is
			// dropped, reads resume once a new generation (or writability)
			// appears.
			m.logger.Debug("merge: dropping input after device failure", "client", c.ID, "error", err)
		}
	}
}

// submit writes p to the device. WouldBlock means another submitter
// currently owns the single in-flight write slot: submit waits for the slot
// to free up and retries, so the caller's read loop pauses here instead of
// busy-spinning or losing bytes it can still deliver. Disconnected means the
// active generation died: submit waits for the next generation and then
// returns ErrDisconnected, so the caller drops p.
func (m *Merger) submit(ctx context.Context, p []byte) error {
	for {
		gen := m.dev.Generation()
		_, err := m.dev.Write(ctx, p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, device.ErrWouldBlock):
			if werr := m.waitWritable(ctx, gen); werr != nil {
				return werr
			}
		case errors.Is(err, device.ErrDisconnected):
			if werr := m.dev.WaitForGeneration(ctx, gen); werr != nil {
				return werr
			}
			return device.ErrDisconnected
		default:
			return err
		}
	}
}

// waitWritable blocks until the device's single write slot frees up or the
// generation changes, propagating backpressure from the device all the way
// back to the client's own socket read per R4.
func (m *Merger) waitWritable(ctx context.Context, gen uint64) error {
	return m.dev.WaitWritable(ctx, gen)
}
