package broadcast

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crabterm/crabterm/internal/device"
	"github.com/crabterm/crabterm/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource feeds a fixed sequence of byte slices as chunks, then blocks
// until ctx is cancelled.
type fakeSource struct {
	mu     sync.Mutex
	chunks [][]byte
	idx    int
}

func (f *fakeSource) ReadChunk(ctx context.Context) (*device.Chunk, error) {
	f.mu.Lock()
	if f.idx < len(f.chunks) {
		data := f.chunks[f.idx]
		f.idx++
		f.mu.Unlock()
		return device.NewChunk(data), nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngineFansOutToAllClients(t *testing.T) {
	reg := registry.New(8, time.Second, nil)
	var bufA, bufB bytes.Buffer
	reg.Attach("a", &bufA, strings.NewReader(""), nil, false)
	reg.Attach("b", &bufB, strings.NewReader(""), nil, false)

	src := &fakeSource{chunks: [][]byte{[]byte("hello")}}
	eng := New(src, reg, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for (bufA.Len() == 0 || bufB.Len() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bufA.String() != "hello" || bufB.String() != "hello" {
		t.Fatalf("expected both clients to receive the chunk, got %q / %q", bufA.String(), bufB.String())
	}
}

func TestEngineEvictsSlowClient(t *testing.T) {
	reg := registry.New(1, time.Second, nil)
	unblock := make(chan struct{})
	c := reg.Attach("slow", blockingSink{unblock}, strings.NewReader(""), nil, false)
	defer close(unblock)

	chunks := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		chunks = append(chunks, []byte("x"))
	}
	src := &fakeSource{chunks: chunks}
	eng := New(src, reg, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	eng.Run(ctx)

	if c.State() != registry.StateDraining {
		t.Fatal("expected slow client to be evicted (draining)")
	}
}

func TestEngineDropsChunkWithNoClients(t *testing.T) {
	reg := registry.New(8, time.Second, nil)
	src := &fakeSource{chunks: [][]byte{[]byte("unheard")}}
	eng := New(src, reg, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Should not panic or block despite zero clients.
	eng.Run(ctx)
}

type blockingSink struct {
	unblock chan struct{}
}

func (b blockingSink) Write(p []byte) (int, error) {
	<-b.unblock
	return len(p), nil
}
