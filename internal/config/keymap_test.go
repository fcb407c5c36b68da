package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadKeymapMissingFileFallsBackToDefault(t *testing.T) {
	km, err := LoadKeymap(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected missing keymap file to be non-fatal, got %v", err)
	}
	if km.PrefixKey() != DefaultKeymap().PrefixKey() {
		t.Fatal("expected default prefix key")
	}
}

func TestLoadKeymapParsesCustomBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabterm.yaml")
	content := "prefix: ctrl-a\nactions:\n  x: quit\n  l: send-literal-bytes\n  f: toggle-timestamp-filter\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	km, err := LoadKeymap(path)
	if err != nil {
		t.Fatalf("LoadKeymap: %v", err)
	}
	if km.PrefixKey() != 1 { // ctrl-a == 0x01
		t.Fatalf("expected ctrl-a prefix (0x01), got %#x", km.PrefixKey())
	}
	action, ok := km.Resolve('x')
	if !ok || action != ActionQuit {
		t.Fatalf("expected 'x' bound to quit, got %v, %v", action, ok)
	}
	action, ok = km.Resolve('l')
	if !ok || action != ActionSendLiteral {
		t.Fatalf("expected 'l' bound to send-literal-bytes, got %v, %v", action, ok)
	}
}

func TestResolveUnboundKeyReturnsFalse(t *testing.T) {
	km := DefaultKeymap()
	if _, ok := km.Resolve('z'); ok {
		t.Fatal("expected unbound key to resolve false")
	}
}
