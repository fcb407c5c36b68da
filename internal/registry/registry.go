// Package registry tracks the set of clients currently bridged to a device
// session: who is attached, who is draining, and gives the broadcast engine
// and input merger a stable snapshot to iterate without holding a lock
// across I/O. Grounded on this codebase's sync.Map-of-sessions bookkeeping
// in the server handler, generalized from a fixed backup-session identity to
// an arbitrary client sink/source pair with an explicit drain state.
package registry

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// State is a Client's position in its attach/detach lifecycle.
type State int

const (
	// StateAttached clients receive broadcast chunks and may submit input.
	StateAttached State = iota
	// StateDraining clients are being disconnected: no new input is
	// accepted from them and they are excluded from broadcast snapshots,
	// but their sink is not closed until DrainDeadline elapses or the
	// caller calls Remove.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// DefaultDrainDeadline bounds how long a draining client is kept around
// before the registry forcibly removes it.
const DefaultDrainDeadline = 500 * time.Millisecond

// DefaultSinkCap is the default number of queued payloads a client's sink
// worker will hold before the broadcast engine considers it slow.
const DefaultSinkCap = 256

// Payload is a reference-counted unit of device output. *device.Chunk
// satisfies this; registry stays free of an import-cycle-prone dependency
// on the device package by only asking for this much of it.
type Payload interface {
	Bytes() []byte
	Release()
}

// Client is one endpoint bridged to the device: a console, a TCP peer, or
// any other io.Writer/io.Reader pair the listener or console package hands
// to Attach. Console is exempt from the broadcast engine's drop-on-overflow
// policy; ordinary clients are not.
type Client struct {
	ID     uint64
	Label  string
	Sink   io.Writer
	Source io.Reader
	Exempt bool

	closer    io.Closer
	sinkCh    chan Payload
	sinkDone  chan struct{}
	onSinkErr func(id uint64, err error)

	mu          sync.Mutex
	state       State
	drainTimer  *time.Timer
	detachedAt  time.Time
	detachCause string
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) detachCauseString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detachCause
}

// TrySend enqueues a payload for delivery without blocking. It returns false
// if the client's sink queue is already full (the broadcast engine's signal
// to evict a slow client), the client is no longer attached, or Remove has
// concurrently closed the sink queue. The caller retains ownership of
// payload on a false return and must Release it itself.
func (c *Client) TrySend(payload Payload) (sent bool) {
	if c.State() != StateAttached {
		return false
	}
	// Detach (which happens before Remove closes sinkCh) always precedes
	// removal, but the two can race with this send; recover turns a
	// send-on-closed-channel panic into the same false this method
	// already returns for a full or detached sink.
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.sinkCh <- payload:
		return true
	default:
		return false
	}
}

// SendBlocking enqueues a payload, blocking until there is room or the
// client has been removed (Remove closed its queue and the sink worker
// exited); a detached but not yet removed client still blocks here. Used
// only for exempt clients (the local console),
// which are never subject to slow-client eviction.
func (c *Client) SendBlocking(payload Payload) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.sinkCh <- payload:
		return true
	case <-c.sinkDone:
		return false
	}
}

// sinkLoop drains the client's queue to its Sink in FIFO order, releasing
// each payload after the write attempt regardless of outcome. The first
// write error is reported to onSinkErr at once (the registry wires this to
// Detach) and no further writes are attempted; payloads still queued until
// Remove closes the queue are drained and released without being written,
// so their backing buffers are not leaked.
func (c *Client) sinkLoop() {
	defer close(c.sinkDone)
	var failed error
	for payload := range c.sinkCh {
		if failed == nil {
			if _, err := c.Sink.Write(payload.Bytes()); err != nil {
				failed = err
				if c.onSinkErr != nil {
					c.onSinkErr(c.ID, failed)
				}
			}
		}
		payload.Release()
	}
}

// Registry holds every currently known Client behind a single RWMutex.
// Reads (Snapshot) are far more frequent than writes (Attach/Detach/Remove)
// so readers take the cheap path.
type Registry struct {
	mu      sync.RWMutex
	clients map[uint64]*Client
	nextID  atomic.Uint64

	sinkCap       int
	drainDeadline time.Duration
	onExpire      func(*Client)
}

// New builds an empty Registry. onExpire, if non-nil, is invoked (from a
// timer goroutine, not the caller's) when a draining client's deadline
// elapses without an explicit Remove.
func New(sinkCap int, drainDeadline time.Duration, onExpire func(*Client)) *Registry {
	if sinkCap <= 0 {
		sinkCap = DefaultSinkCap
	}
	if drainDeadline <= 0 {
		drainDeadline = DefaultDrainDeadline
	}
	return &Registry{
		clients:       make(map[uint64]*Client),
		sinkCap:       sinkCap,
		drainDeadline: drainDeadline,
		onExpire:      onExpire,
	}
}

// Attach registers a new client, starts its sink worker, and returns it
// with a process-wide unique, monotonically increasing ID. A write error
// from the client's Sink detaches it automatically with a "peer gone: ..."
// cause.
// closer, if non-nil, is the underlying connection Remove closes once the
// client is fully detached — for a TCP client this is the net.Conn itself
// (sink and source are its two halves); console and transcript clients
// have no socket to close and pass nil.
func (r *Registry) Attach(label string, sink io.Writer, source io.Reader, closer io.Closer, exempt bool) *Client {
	c := &Client{
		ID:       r.nextID.Add(1),
		Label:    label,
		Sink:     sink,
		Source:   source,
		Exempt:   exempt,
		closer:   closer,
		state:    StateAttached,
		sinkCh:   make(chan Payload, r.sinkCap),
		sinkDone: make(chan struct{}),
	}
	c.onSinkErr = func(id uint64, err error) {
		r.Detach(id, "peer gone: "+err.Error())
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	go c.sinkLoop()
	return c
}

// Detach flips a client to StateDraining and arms its drain deadline. It is
// idempotent: detaching an already-draining client is a no-op. The client
// stays visible to Lookup/Count but drops out of Snapshot immediately.
func (r *Registry) Detach(id uint64, cause string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state == StateDraining {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.detachedAt = time.Now()
	c.detachCause = cause
	c.drainTimer = time.AfterFunc(r.drainDeadline, func() {
		r.Remove(id)
		if r.onExpire != nil {
			r.onExpire(c)
		}
	})
	c.mu.Unlock()
}

// Remove deletes a client from the registry outright, stopping its drain
// timer if armed, closing its sink queue so the worker goroutine exits, and
// closing its underlying connection (if any) so the peer observes the
// disconnect. Safe to call on an already-removed ID.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	closer := c.closer
	c.mu.Unlock()
	close(c.sinkCh)
	if closer != nil {
		closer.Close()
	}
}

// Lookup returns the client for id, if still present (attached or
// draining).
func (r *Registry) Lookup(id uint64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Snapshot returns every StateAttached client as a stable slice the caller
// may range over without holding the registry lock. Order is unspecified.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.State() == StateAttached {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of clients in any state, attached or draining.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// DetachAll transitions every attached client to draining, used during
// shutdown so the broadcast engine stops fanning out while connections are
// closed in an orderly way.
func (r *Registry) DetachAll(cause string) {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Detach(id, cause)
	}
}
