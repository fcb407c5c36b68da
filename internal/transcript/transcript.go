// Package transcript records an operator-facing audit trail of bytes that
// crossed the device, and optionally rotates/compresses/archives it. This
// is a supplemental feature: the no-replay-to-late-joiners rule excludes
// replaying historical bytes to late-joining clients, but says nothing about an
// append-only record for operators. Grounded on this codebase's gzip
// streaming pipeline (internal/agent/streamer.go) and cron-scheduled daemon
// (internal/agent/scheduler.go), generalized from "backup artifact" to
// "session transcript segment."
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crabterm/crabterm/internal/registry"
)

// Direction distinguishes device-to-client bytes from client-to-device
// bytes in a transcript record.
type Direction byte

const (
	DirectionFromDevice Direction = 'D'
	DirectionFromClient Direction = 'C'
)

// DefaultSegmentMaxBytes rotates a segment once it crosses this size.
const DefaultSegmentMaxBytes = 8 << 20 // 8 MiB

// Logger subscribes to the broadcast engine the same way a TCP client sink
// does: a bounded queue, and eviction by the broadcast engine if that queue
// fills (after which nothing more is recorded). A transcript is diagnostic,
// never authoritative, so it must never exert backpressure on the device —
// it is attached as a non-exempt registry client for exactly that reason.
type Logger struct {
	dir        string
	segmentMax int64
	logger     *slog.Logger
	Client     *registry.Client

	mu           sync.Mutex
	f            *os.File
	segmentBytes int64
	segmentPath  string
}

// Attach opens (creating dir if needed) a new transcript segment and
// attaches the logger as a bridge client so it receives every device read
// via the same fan-out path as any other sink.
func Attach(reg *registry.Registry, dir string, segmentMaxBytes int64, logger *slog.Logger) (*Logger, error) {
	if segmentMaxBytes <= 0 {
		segmentMaxBytes = DefaultSegmentMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: creating dir: %w", err)
	}

	l := &Logger{dir: dir, segmentMax: segmentMaxBytes, logger: logger}
	if err := l.rotate(); err != nil {
		return nil, err
	}

	l.Client = reg.Attach("transcript", writerFunc(l.writeFromDevice), discardReader{}, nil, false)
	return l, nil
}

// Close flushes and closes the current segment.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// CurrentSegmentPath returns the path of the segment currently being
// written, for the archiver to skip on its next sweep.
func (l *Logger) CurrentSegmentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segmentPath
}

func (l *Logger) writeFromDevice(p []byte) (int, error) {
	return l.record(DirectionFromDevice, p)
}

func (l *Logger) record(dir Direction, p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segmentBytes >= l.segmentMax {
		if err := l.rotateLocked(); err != nil {
			l.logger.Warn("transcript: rotate failed, continuing on current segment", "error", err)
		}
	}

	header := fmt.Sprintf("%s %c %d\n", time.Now().Format(time.RFC3339Nano), dir, len(p))
	n, err := l.f.WriteString(header)
	if err != nil {
		return 0, err
	}
	m, err := l.f.Write(p)
	l.segmentBytes += int64(n + m)
	return m, err
}

func (l *Logger) rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	if l.f != nil {
		l.f.Close()
	}
	name := fmt.Sprintf("segment-%d.log", time.Now().UnixNano())
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	l.segmentPath = path
	l.segmentBytes = 0
	return nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type discardReader struct{}

func (discardReader) Read(p []byte) (int, error) {
	select {}
}
