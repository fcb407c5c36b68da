package transcript

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crabterm/crabterm/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAttachWritesDeviceBytesToSegment(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(8, time.Second, nil)
	l, err := Attach(reg, dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer l.Close()

	if !l.Client.TrySend(fakePayload("hello")) {
		t.Fatal("expected transcript client to accept payload")
	}

	deadline := time.Now().Add(time.Second)
	var content []byte
	for time.Now().Before(deadline) {
		content, _ = os.ReadFile(l.CurrentSegmentPath())
		if len(content) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(string(content), "hello") {
		t.Fatalf("expected segment to contain recorded bytes, got %q", content)
	}
}

func TestRotateStartsNewSegmentFile(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(8, time.Second, nil)
	l, err := Attach(reg, dir, 1, testLogger()) // rotate almost immediately
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer l.Close()

	first := l.CurrentSegmentPath()
	l.Client.TrySend(fakePayload("a"))
	time.Sleep(20 * time.Millisecond)
	l.Client.TrySend(fakePayload("b"))
	time.Sleep(20 * time.Millisecond)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce multiple segment files, got %d: %v", len(entries), entries)
	}
	if filepath.Dir(first) != dir {
		t.Fatalf("expected first segment under %s, got %s", dir, first)
	}
}

func TestArchiverGzipsClosedSegmentsWithoutS3(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "segment-1.log")
	if err := os.WriteFile(segPath, []byte("some transcript bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a := NewArchiver(dir, ArchiveConfig{}, func() string { return "" }, testLogger())
	a.sweep(nil)

	if _, err := os.Stat(segPath); !os.IsNotExist(err) {
		t.Fatal("expected original segment removed after compression")
	}
	if _, err := os.Stat(segPath + ".gz"); err != nil {
		t.Fatalf("expected compressed segment to exist: %v", err)
	}
}

func TestArchiverSkipsCurrentSegment(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "segment-current.log")
	if err := os.WriteFile(segPath, []byte("still being written"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a := NewArchiver(dir, ArchiveConfig{}, func() string { return segPath }, testLogger())
	a.sweep(nil)

	if _, err := os.Stat(segPath); err != nil {
		t.Fatal("expected current segment left untouched")
	}
	if _, err := os.Stat(segPath + ".gz"); !os.IsNotExist(err) {
		t.Fatal("expected current segment not archived")
	}
}

type fakePayload string

func (p fakePayload) Bytes() []byte { return []byte(p) }
func (p fakePayload) Release()      {}
