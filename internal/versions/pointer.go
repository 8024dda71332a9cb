package versions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamancini/airdb/internal/atomicfile"
)

// MarkerFile is the file inside the current directory that names the active
// version when symlinks are not used.
const MarkerFile = ".version"

// Pointer records which installed version is current. Implementations must
// switch with a single atomic filesystem operation.
type Pointer interface {
	// Switch points at the version whose directory is target.
	Switch(version, target string) error
	// Current returns the version pointed at, or "" when no pointer exists.
	Current() (string, error)
}

// SymlinkPointer keeps "current" as a symlink to the version directory. A
// new link is built at a staging path and renamed over the old one.
type SymlinkPointer struct {
	path    string
	staging string
}

// NewSymlinkPointer creates a symlink pointer at path.
func NewSymlinkPointer(path string) *SymlinkPointer {
	return &SymlinkPointer{
		path:    path,
		staging: filepath.Join(filepath.Dir(path), ".current_new"),
	}
}

// Switch implements Pointer.
func (p *SymlinkPointer) Switch(version, target string) error {
	if _, err := os.Lstat(p.staging); err == nil {
		if err := os.Remove(p.staging); err != nil {
			return fmt.Errorf("failed to remove stale %s: %w", p.staging, err)
		}
	}

	if err := os.Symlink(target, p.staging); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	if err := atomicfile.Replace(p.staging, p.path); err != nil {
		_ = os.Remove(p.staging)
		return fmt.Errorf("failed to switch current to %s: %w", version, err)
	}
	return nil
}

// Current implements Pointer.
func (p *SymlinkPointer) Current() (string, error) {
	target, err := os.Readlink(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	return filepath.Base(filepath.Clean(target)), nil
}

// MarkerPointer keeps "current" as a directory holding a marker file with
// the version name. The marker is replaced atomically.
type MarkerPointer struct {
	dir string
}

// NewMarkerPointer creates a marker pointer in dir.
func NewMarkerPointer(dir string) *MarkerPointer {
	return &MarkerPointer{dir: dir}
}

// Switch implements Pointer.
func (p *MarkerPointer) Switch(version, _ string) error {
	if err := atomicfile.Write(filepath.Join(p.dir, MarkerFile), []byte(version+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to switch current to %s: %w", version, err)
	}
	return nil
}

// Current implements Pointer.
func (p *MarkerPointer) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, MarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read version marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
