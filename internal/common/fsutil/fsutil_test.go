package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := ExpandHome("~"); err != nil || got != home {
		t.Fatalf("expected %q, got %q err=%v", home, got, err)
	}
	got, err := ExpandHome("~/models")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != filepath.Join(home, "models") {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m.mnma")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	abs, fi, err := ResolveFile(p)
	if err != nil || abs != p || fi.Size() != 1 {
		t.Fatalf("resolve: abs=%q err=%v", abs, err)
	}
	if _, _, err := ResolveFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if _, _, err := ResolveFile(dir); !errors.Is(err, ErrIsDir) {
		t.Fatalf("expected ErrIsDir, got %v", err)
	}
	if _, _, err := ResolveFile("  "); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist for empty path, got %v", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "cache.tok")
	if err := WriteFileAtomic(p, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "abc" {
		t.Fatalf("read back %q err=%v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
