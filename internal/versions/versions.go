// Package versions manages the side-by-side version layout under the
// application data directory and the pointer naming the active version.
//
// Layout:
//
//	<base>/versions/<semver>/<binary>
//	<base>/versions/.tmp-<semver>/     staged, not yet installed
//	<base>/current                     symlink, or directory with .version marker
//	<base>/state.json
//	<base>/logs/
//	<base>/updater/                    downloads and manifest cache
//	<base>/.airdb/locks/
package versions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/semver"
)

const (
	tempPrefix  = ".tmp-"
	asidePrefix = ".old-"
)

var (
	// ErrVersionNotFound is returned when a version directory is missing.
	ErrVersionNotFound = errors.New("version not installed")
	// ErrTempNotFound is returned when no staged directory exists for a version.
	ErrTempNotFound = errors.New("staged version not found")
	// ErrVersionInUse is returned when an operation would modify the version
	// that current points at.
	ErrVersionInUse = errors.New("version is in use")
	// ErrInvalidVersion is returned for names that are not usable as a
	// version directory.
	ErrInvalidVersion = errors.New("invalid version")
)

// Manager owns the versions directory and the current pointer.
type Manager struct {
	base     string
	platform platform.Platform
	pointer  Pointer
}

// NewManager creates a manager rooted at base. The pointer implementation is
// chosen from the platform.
func NewManager(base string, p platform.Platform) *Manager {
	m := &Manager{base: base, platform: p}
	if p.UsesSymlinks() {
		m.pointer = NewSymlinkPointer(m.CurrentPath())
	} else {
		m.pointer = NewMarkerPointer(m.CurrentPath())
	}
	return m
}

// NewManagerWithPointer creates a manager with an explicit pointer.
func NewManagerWithPointer(base string, p platform.Platform, ptr Pointer) *Manager {
	return &Manager{base: base, platform: p, pointer: ptr}
}

// Base returns the application data directory.
func (m *Manager) Base() string { return m.base }

// Platform returns the platform the layout was built for.
func (m *Manager) Platform() platform.Platform { return m.platform }

// VersionsDir returns <base>/versions.
func (m *Manager) VersionsDir() string { return filepath.Join(m.base, "versions") }

// CurrentPath returns <base>/current.
func (m *Manager) CurrentPath() string { return filepath.Join(m.base, "current") }

// UpdaterDir returns <base>/updater.
func (m *Manager) UpdaterDir() string { return filepath.Join(m.base, "updater") }

// LogsDir returns <base>/logs.
func (m *Manager) LogsDir() string { return filepath.Join(m.base, "logs") }

// BackupsDir returns <base>/backups.
func (m *Manager) BackupsDir() string { return filepath.Join(m.base, "backups") }

// StatePath returns <base>/state.json.
func (m *Manager) StatePath() string { return filepath.Join(m.base, "state.json") }

// LocksDir returns <base>/.airdb/locks.
func (m *Manager) LocksDir() string { return filepath.Join(m.base, ".airdb", "locks") }

// VersionPath returns the install directory of version.
func (m *Manager) VersionPath(version string) string {
	return filepath.Join(m.VersionsDir(), version)
}

// TempVersionPath returns the staging directory of version.
func (m *Manager) TempVersionPath(version string) string {
	return filepath.Join(m.VersionsDir(), tempPrefix+version)
}

// BinaryPath returns the application binary of an installed version.
func (m *Manager) BinaryPath(version string) string {
	return filepath.Join(m.VersionPath(version), m.platform.BinaryName())
}

// DownloadPath returns where the artifact for version is downloaded to.
func (m *Manager) DownloadPath(version string) string {
	return filepath.Join(m.UpdaterDir(), "airdb-"+version+m.platform.Ext())
}

// Init creates the directory layout.
func (m *Manager) Init() error {
	for _, dir := range []string{m.VersionsDir(), m.LogsDir(), m.UpdaterDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// IsInstalled reports whether the version directory holds the platform binary.
func (m *Manager) IsInstalled(version string) bool {
	if validateName(version) != nil {
		return false
	}
	info, err := os.Stat(m.BinaryPath(version))
	return err == nil && info.Mode().IsRegular()
}

// ListVersions returns installed versions sorted ascending. Staging and
// aside directories are skipped along with anything that is not a directory.
func (m *Manager) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(m.VersionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read versions directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !semver.Valid(e.Name()) {
			log.WithField("dir", e.Name()).Debug("Skipping non-version directory")
			continue
		}
		versions = append(versions, e.Name())
	}
	semver.Sort(versions)
	return versions, nil
}

// CurrentVersion returns the version current points at, or "" when there is
// no pointer yet.
func (m *Manager) CurrentVersion() (string, error) {
	return m.pointer.Current()
}

// SwitchVersion points current at an installed version.
func (m *Manager) SwitchVersion(version string) error {
	if err := validateName(version); err != nil {
		return err
	}
	info, err := os.Stat(m.VersionPath(version))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}

	if err := m.pointer.Switch(version, m.VersionPath(version)); err != nil {
		return err
	}
	log.WithField("version", version).Info("Switched current version")
	return nil
}

// InstallVersion moves the staged directory of version into place. An
// existing install is first renamed aside so the final path is never empty
// between two renames.
func (m *Manager) InstallVersion(version string) error {
	if err := validateName(version); err != nil {
		return err
	}

	staged := m.TempVersionPath(version)
	if info, err := os.Stat(staged); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrTempNotFound, version)
	}

	final := m.VersionPath(version)
	var aside string
	if _, err := os.Stat(final); err == nil {
		current, err := m.CurrentVersion()
		if err != nil {
			return err
		}
		if current == version {
			return fmt.Errorf("%w: cannot reinstall %s while it is current", ErrVersionInUse, version)
		}

		aside, err = m.asidePath(version)
		if err != nil {
			return err
		}
		if err := os.Rename(final, aside); err != nil {
			return fmt.Errorf("failed to move existing %s aside: %w", version, err)
		}
	}

	if err := os.Rename(staged, final); err != nil {
		if aside != "" {
			_ = os.Rename(aside, final)
		}
		return fmt.Errorf("failed to install %s: %w", version, err)
	}

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			log.WithError(err).WithField("path", aside).Warn("Failed to remove replaced version")
		}
	}

	log.WithField("version", version).Info("Installed version")
	return nil
}

func (m *Manager) asidePath(version string) (string, error) {
	for n := 0; n < 1000; n++ {
		p := filepath.Join(m.VersionsDir(), fmt.Sprintf("%s%s-%d", asidePrefix, version, n))
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no free aside name for %s, run cleanup", version)
}

// RemoveVersion deletes an installed version. The version current points at
// cannot be removed.
func (m *Manager) RemoveVersion(version string) error {
	if err := validateName(version); err != nil {
		return err
	}
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == version {
		return fmt.Errorf("%w: %s", ErrVersionInUse, version)
	}

	path := m.VersionPath(version)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", version, err)
	}
	return nil
}

// CleanupTemp removes staging and aside directories left behind by
// interrupted installs. It returns the removed names.
func (m *Manager) CleanupTemp() ([]string, error) {
	entries, err := os.ReadDir(m.VersionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read versions directory: %w", err)
	}

	var removed []string
	var result *multierror.Error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, tempPrefix) && !strings.HasPrefix(name, asidePrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.VersionsDir(), name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}
	return removed, result.ErrorOrNil()
}

// StageBinary places src as the binary of a new staging directory for
// version and makes it executable. src is moved when possible and copied
// otherwise.
func (m *Manager) StageBinary(version, src string) (string, error) {
	if err := validateName(version); err != nil {
		return "", err
	}

	dir := m.TempVersionPath(version)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	dst := filepath.Join(dir, m.platform.BinaryName())
	if err := os.Rename(src, dst); err != nil {
		// Cross-device moves fail; fall back to a copy.
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("failed to stage binary: %w", err)
		}
		_ = os.Remove(src)
	}

	if err := os.Chmod(dst, 0755); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func validateName(version string) error {
	if version == "" || version == "." || version == ".." ||
		strings.ContainsAny(version, `/\`) || strings.HasPrefix(version, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}
