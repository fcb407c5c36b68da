package device

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// epoch is one generation of the device connection: one transport and the
// writer goroutine serializing access to it. It dies exactly once, via
// fail, the moment a read or write observes a transport-level error.
type epoch struct {
	gen     uint64
	t       transport
	pending chan []byte // capacity 1
	busy    atomic.Bool // true from submit until the device write returns
	lostCh  chan struct{}

	freeMu sync.Mutex
	freeCh chan struct{} // closed and replaced every time busy clears

	failOnce  sync.Once
	closeOnce sync.Once
}

func newEpoch(gen uint64, t transport) *epoch {
	return &epoch{
		gen:     gen,
		t:       t,
		pending: make(chan []byte, 1),
		lostCh:  make(chan struct{}),
		freeCh:  make(chan struct{}),
	}
}

// waitFree blocks until the writer slot frees up (a write completes) or the
// epoch dies, whichever comes first.
func (e *epoch) waitFree(ctx context.Context) error {
	e.freeMu.Lock()
	ch := e.freeCh
	e.freeMu.Unlock()
	if !e.busy.Load() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-e.lostCh:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *epoch) bumpFreeWaiters() {
	e.freeMu.Lock()
	close(e.freeCh)
	e.freeCh = make(chan struct{})
	e.freeMu.Unlock()
}

func (e *epoch) fail() {
	e.failOnce.Do(func() {
		close(e.lostCh)
	})
}

func (e *epoch) closeTransport() {
	e.closeOnce.Do(func() {
		e.t.close()
	})
}

// runWriter drains pending write requests in submission order — the single
// writer this device generation ever has. Each write may block (UART TX
// draining, TCP send buffer); busy stays set for that whole span so a
// concurrent submitter observes WouldBlock instead of queuing behind an
// arbitrarily slow device.
func (e *epoch) runWriter() {
	for {
		select {
		case <-e.lostCh:
			return
		case data := <-e.pending:
			_, err := e.t.write(data)
			e.busy.Store(false)
			e.bumpFreeWaiters()
			if err != nil {
				e.fail()
				return
			}
		}
	}
}

// Manager owns the current device generation and the reconnect loop that
// replaces it after any failure. It is the sole writer of the device; C4
// submits writes through it, never touching a transport directly.
type Manager struct {
	cfg    Config
	opener openFunc
	logger *slog.Logger
	pool   *chunkPool

	mu  sync.Mutex
	cur *epoch

	genWaitMu sync.Mutex
	genWaitCh chan struct{} // closed and replaced every time cur changes
}

// Open validates the device spec and prepares (without connecting) a
// Manager for it. A bad spec — unknown kind, empty path/address — is a
// fatal startup error; anything past that (the port doesn't exist yet, the
// remote host refuses) is handled entirely by the reconnect loop once
// Start runs.
func Open(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg = cfg.WithDefaults()
	opener, err := newOpener(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		opener:    opener,
		logger:    logger,
		pool:      newChunkPool(cfg.ReadCap),
		genWaitCh: make(chan struct{}),
	}, nil
}

// Start launches the reconnect loop in the background. It returns
// immediately; the first connection attempt happens asynchronously, same
// as every reconnection after it.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	delay := m.cfg.BackoffMin
	gen := uint64(0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := m.opener()
		if err != nil {
			m.logger.Warn("device open failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.cfg.BackoffMax {
				delay = m.cfg.BackoffMax
			}
			continue
		}

		delay = m.cfg.BackoffMin
		gen++
		ep := newEpoch(gen, t)
		go ep.runWriter()

		m.mu.Lock()
		m.cur = ep
		m.mu.Unlock()
		m.bumpGenWaiters()

		m.logger.Info("device connected", "generation", gen)

		select {
		case <-ep.lostCh:
			m.logger.Warn("device connection lost, reconnecting", "generation", gen)
		case <-ctx.Done():
			ep.closeTransport()
			return
		}

		ep.closeTransport()
		m.mu.Lock()
		if m.cur == ep {
			m.cur = nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) bumpGenWaiters() {
	m.genWaitMu.Lock()
	close(m.genWaitCh)
	m.genWaitCh = make(chan struct{})
	m.genWaitMu.Unlock()
}

func (m *Manager) currentEpoch() *epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Generation returns the current device generation, or 0 if the device has
// never connected.
func (m *Manager) Generation() uint64 {
	ep := m.currentEpoch()
	if ep == nil {
		return 0
	}
	return ep.gen
}

// WaitForGeneration blocks until the live generation differs from after,
// the device connects for the first time, or ctx is done. C4 uses this to
// resume client source reads once the device comes back.
func (m *Manager) WaitForGeneration(ctx context.Context, after uint64) error {
	for {
		if g := m.Generation(); g != after && g != 0 {
			return nil
		}
		m.genWaitMu.Lock()
		ch := m.genWaitCh
		m.genWaitMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadChunk produces the next burst of device bytes, or ErrDisconnected if
// the live generation dies while waiting. It blocks until a generation is
// live if none is yet.
func (m *Manager) ReadChunk(ctx context.Context) (*Chunk, error) {
	ep := m.currentEpoch()
	if ep == nil {
		if err := m.WaitForGeneration(ctx, 0); err != nil {
			return nil, err
		}
		ep = m.currentEpoch()
		if ep == nil {
			return nil, ErrDisconnected
		}
	}

	buf := m.pool.get()
	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := ep.t.readChunk(buf)
		resCh <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.lostCh:
		return nil, ErrDisconnected
	case res := <-resCh:
		if res.err != nil {
			ep.fail()
			return nil, ErrDisconnected
		}
		if res.n == 0 {
			return nil, ErrDisconnected
		}
		return newChunk(m.pool, buf[:res.n]), nil
	}
}

// WaitWritable blocks until the current generation's writer slot frees up,
// the generation changes (reconnect), or ctx is done. Callers that received
// ErrWouldBlock from Write use this to pause without busy-spinning instead
// of retrying immediately.
func (m *Manager) WaitWritable(ctx context.Context, after uint64) error {
	ep := m.currentEpoch()
	if ep == nil || ep.gen != after {
		return nil
	}
	return ep.waitFree(ctx)
}

// Write submits bytes toward the device, returning ErrWouldBlock if the
// single in-flight write slot is already occupied (no bytes are consumed)
// and ErrDisconnected if there is no live generation. A successful return
// means the bytes were accepted for writing, not that they landed on the
// wire yet; a subsequent failure surfaces as ErrDisconnected from the next
// Write or ReadChunk call. Write never blocks on device writability and a
// cancelled ctx never consumes bytes.
func (m *Manager) Write(ctx context.Context, p []byte) (int, error) {
	ep := m.currentEpoch()
	if ep == nil {
		return 0, ErrDisconnected
	}

	if !ep.busy.CompareAndSwap(false, true) {
		return 0, ErrWouldBlock
	}

	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case ep.pending <- cp:
		return len(p), nil
	case <-ctx.Done():
		ep.busy.Store(false)
		return 0, ctx.Err()
	}
}

// Close shuts down the current generation, if any. The reconnect loop
// itself is stopped via the context passed to Start.
func (m *Manager) Close() error {
	ep := m.currentEpoch()
	if ep != nil {
		ep.fail()
		ep.closeTransport()
	}
	return nil
}
