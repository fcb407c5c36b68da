// Package broadcast fans each device read out to every attached client
// without letting a slow reader stall the device. Grounded on this
// codebase's round-robin parallel-upload dispatch (internal/agent/dispatcher.go's
// emitChunk, which already skips dead/inactive streams rather than block) and
// on the other_examples pub/sub Reader (Shoaibashk/SerialLink) whose
// Subscribe/broadcast is the direct non-blocking-send-with-drop shape this
// engine generalizes to per-client eviction.
package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"github.com/crabterm/crabterm/internal/device"
	"github.com/crabterm/crabterm/internal/registry"
)

// SlowClient is the detach cause recorded when a client's sink queue is
// full at fan-out time.
const SlowClient = "slow client: sink queue full"

// source is the minimal device surface the engine needs — satisfied by
// *device.Manager, narrowed here so tests can supply a fake.
type source interface {
	ReadChunk(ctx context.Context) (*device.Chunk, error)
}

// Engine reads chunks from the device and fans each one out to every
// attached client in the registry.
type Engine struct {
	dev      source
	registry *registry.Registry
	logger   *slog.Logger
	observe  func(n int)
}

// New builds a broadcast Engine over dev and reg. observe, if non-nil, is
// called with the byte length of every chunk read from the device — wired
// to internal/diagnostics.Reporter.Observe for throughput accounting.
func New(dev source, reg *registry.Registry, logger *slog.Logger, observe func(n int)) *Engine {
	return &Engine{dev: dev, registry: reg, logger: logger, observe: observe}
}

// Run reads from the device until ctx is done, then returns nil. A read
// error never ends the loop: disconnection is retried by the device manager
// itself (Run simply waits for the next chunk), and any other error is
// logged before the next read.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		chunk, err := e.dev.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, device.ErrDisconnected) {
				// The device manager is already reconnecting; ReadChunk
				// will simply block again on the next call until a new
				// generation is live.
				continue
			}
			e.logger.Warn("broadcast: device read failed", "error", err)
			continue
		}

		e.fanOut(chunk)
	}
}

func (e *Engine) fanOut(chunk *device.Chunk) {
	if e.observe != nil {
		e.observe(chunk.Len())
	}

	clients := e.registry.Snapshot()
	if len(clients) == 0 {
		chunk.Release()
		return
	}

	// One implicit reference per client, plus the one fanOut itself holds
	// (released at the end) representing the device read.
	for _, c := range clients {
		chunk.Retain()
		var delivered bool
		if c.Exempt {
			delivered = c.SendBlocking(chunk)
		} else {
			delivered = c.TrySend(chunk)
		}
		if !delivered {
			chunk.Release()
			if !c.Exempt {
				e.logger.Warn("broadcast: evicting slow client", "client", c.ID)
				e.registry.Detach(c.ID, SlowClient)
			}
		}
	}
	chunk.Release()
}
