package atomicfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := Write(path, []byte("old"), 0644); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := Write(path, []byte("new"), 0600); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestReplace(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "from")
	to := filepath.Join(dir, "to")

	if err := os.WriteFile(from, []byte("fresh"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(to, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Replace(from, to); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	data, err := os.ReadFile(to)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh" {
		t.Errorf("content = %q, want fresh", data)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Error("source should be gone")
	}
}

func TestWriteMissingParentIsCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := Write(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}
