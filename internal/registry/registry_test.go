package registry

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePayload struct {
	data     []byte
	released atomic.Bool
}

func (p *fakePayload) Bytes() []byte { return p.data }
func (p *fakePayload) Release()      { p.released.Store(true) }

type erroringWriter struct{}

func (erroringWriter) Write(p []byte) (int, error) { return 0, errors.New("write failed") }

type fakeCloser struct {
	closed atomic.Bool
}

func (c *fakeCloser) Close() error {
	c.closed.Store(true)
	return nil
}

func TestAttachAppearsInSnapshot(t *testing.T) {
	r := New(8, time.Second, nil)
	var buf bytes.Buffer
	c := r.Attach("client-1", &buf, strings.NewReader(""), nil, false)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ID != c.ID {
		t.Fatalf("expected snapshot to contain attached client, got %+v", snap)
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
}

func TestDetachDropsFromSnapshotButKeepsLookup(t *testing.T) {
	r := New(8, time.Second, nil)
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), nil, false)

	r.Detach(c.ID, "client closed connection")

	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected draining client excluded from snapshot")
	}
	found, ok := r.Lookup(c.ID)
	if !ok || found.State() != StateDraining {
		t.Fatalf("expected client still lookupable in draining state")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	r := New(8, time.Second, nil)
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), nil, false)

	r.Detach(c.ID, "first")
	r.Detach(c.ID, "second")

	if got := c.detachCauseString(); got != "first" {
		t.Fatalf("expected first detach cause to stick, got %q", got)
	}
}

func TestDrainDeadlineRemovesClient(t *testing.T) {
	expired := make(chan uint64, 1)
	r := New(8, 20*time.Millisecond, func(c *Client) {
		expired <- c.ID
	})
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), nil, false)
	r.Detach(c.ID, "timeout test")

	select {
	case id := <-expired:
		if id != c.ID {
			t.Fatalf("expected expiry for %d, got %d", c.ID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected drain deadline to fire onExpire")
	}

	if _, ok := r.Lookup(c.ID); ok {
		t.Fatal("expected client removed after drain deadline")
	}
}

func TestRemoveStopsDrainTimer(t *testing.T) {
	expired := make(chan uint64, 1)
	r := New(8, 50*time.Millisecond, func(c *Client) {
		expired <- c.ID
	})
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), nil, false)
	r.Detach(c.ID, "explicit remove")
	r.Remove(c.ID)

	select {
	case <-expired:
		t.Fatal("did not expect onExpire after explicit Remove")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetachAllMarksEveryClientDraining(t *testing.T) {
	r := New(8, time.Second, nil)
	a := r.Attach("a", &bytes.Buffer{}, strings.NewReader(""), nil, false)
	b := r.Attach("b", &bytes.Buffer{}, strings.NewReader(""), nil, false)

	r.DetachAll("shutdown")

	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after DetachAll")
	}
	for _, c := range []*Client{a, b} {
		found, ok := r.Lookup(c.ID)
		if !ok || found.State() != StateDraining {
			t.Fatalf("expected client %d draining", c.ID)
		}
	}
}

func TestExemptClientFlagPreserved(t *testing.T) {
	r := New(8, time.Second, nil)
	c := r.Attach("console", &bytes.Buffer{}, strings.NewReader(""), nil, true)
	if !c.Exempt {
		t.Fatal("expected console client to be marked exempt")
	}
	snap := r.Snapshot()
	if !snap[0].Exempt {
		t.Fatal("expected exempt flag preserved through snapshot")
	}
}

func TestTrySendDeliversAndReleasesPayload(t *testing.T) {
	var buf bytes.Buffer
	r := New(8, time.Second, nil)
	c := r.Attach("client-1", &buf, strings.NewReader(""), nil, false)

	p := &fakePayload{data: []byte("hello")}
	if !c.TrySend(p) {
		t.Fatal("expected TrySend to succeed on empty queue")
	}

	deadline := time.Now().Add(time.Second)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected sink to receive payload bytes, got %q", buf.String())
	}
	deadline = time.Now().Add(time.Second)
	for !p.released.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !p.released.Load() {
		t.Fatal("expected payload released after delivery")
	}
}

func TestTrySendReturnsFalseWhenQueueFull(t *testing.T) {
	r := New(1, time.Second, nil)
	// Sink whose Write blocks forever once entered, signaling entry so the
	// test can deterministically wait for the worker to be mid-write
	// before asserting the (now-empty) queue fills up behind it.
	started := make(chan struct{})
	unblock := make(chan struct{})
	c := r.Attach("client-1", &blockingWriter{started: started, unblock: unblock}, strings.NewReader(""), nil, false)
	defer close(unblock)

	if !c.TrySend(&fakePayload{data: []byte("a")}) {
		t.Fatal("expected first send to succeed")
	}
	<-started // worker is now blocked inside Write; queue slot is free again

	if !c.TrySend(&fakePayload{data: []byte("b")}) {
		t.Fatal("expected second send to fill the 1-capacity queue")
	}
	if c.TrySend(&fakePayload{data: []byte("c")}) {
		t.Fatal("expected third send to observe a full queue and return false")
	}
}

func TestRemoveClosesUnderlyingConnection(t *testing.T) {
	r := New(8, time.Second, nil)
	closer := &fakeCloser{}
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), closer, false)

	r.Remove(c.ID)

	if !closer.closed.Load() {
		t.Fatal("expected Remove to close the client's underlying connection")
	}
}

func TestDrainDeadlineClosesUnderlyingConnection(t *testing.T) {
	closer := &fakeCloser{}
	r := New(8, 20*time.Millisecond, nil)
	c := r.Attach("client-1", &bytes.Buffer{}, strings.NewReader(""), closer, false)
	r.Detach(c.ID, "timeout test")

	deadline := time.Now().Add(time.Second)
	for !closer.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !closer.closed.Load() {
		t.Fatal("expected drain deadline expiry to close the underlying connection")
	}
}

type blockingWriter struct {
	startOnce sync.Once
	started   chan struct{}
	unblock   chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.startOnce.Do(func() { close(w.started) })
	<-w.unblock
	return len(p), nil
}

func TestSinkWriteErrorDetachesClient(t *testing.T) {
	r := New(8, time.Second, nil)
	c := r.Attach("client-1", erroringWriter{}, strings.NewReader(""), nil, false)

	p := &fakePayload{data: []byte("x")}
	c.TrySend(p)

	deadline := time.Now().Add(time.Second)
	for c.State() != StateDraining && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateDraining {
		t.Fatal("expected client detached after sink write error")
	}
}
