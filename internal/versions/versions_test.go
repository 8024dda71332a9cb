package versions

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/adamancini/airdb/internal/platform"
)

var linux = platform.Platform{OS: "linux", Arch: "amd64"}

// newTestManager returns a manager using the marker pointer so tests run on
// every OS.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	m := NewManagerWithPointer(base, linux, NewMarkerPointer(filepath.Join(base, "current")))
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m
}

// install stages and installs a fake binary for version.
func install(t *testing.T, m *Manager, version string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(src, []byte("binary "+version), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StageBinary(version, src); err != nil {
		t.Fatalf("StageBinary(%s) error = %v", version, err)
	}
	if err := m.InstallVersion(version); err != nil {
		t.Fatalf("InstallVersion(%s) error = %v", version, err)
	}
}

func TestLayout(t *testing.T) {
	m := NewManager("/data/airdb", linux)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"versions", m.VersionsDir(), "/data/airdb/versions"},
		{"current", m.CurrentPath(), "/data/airdb/current"},
		{"state", m.StatePath(), "/data/airdb/state.json"},
		{"locks", m.LocksDir(), "/data/airdb/.airdb/locks"},
		{"logs", m.LogsDir(), "/data/airdb/logs"},
		{"version", m.VersionPath("1.2.3"), "/data/airdb/versions/1.2.3"},
		{"temp", m.TempVersionPath("1.2.3"), "/data/airdb/versions/.tmp-1.2.3"},
		{"binary", m.BinaryPath("1.2.3"), "/data/airdb/versions/1.2.3/airdb-desktop"},
		{"download", m.DownloadPath("1.2.3"), "/data/airdb/updater/airdb-1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filepath.ToSlash(tt.got); got != tt.want {
				t.Errorf("%s = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestInit(t *testing.T) {
	m := NewManager(t.TempDir(), linux)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for _, dir := range []string{m.VersionsDir(), m.LogsDir(), m.UpdaterDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}

func TestStageAndInstall(t *testing.T) {
	m := newTestManager(t)
	install(t, m, "1.0.0")

	if !m.IsInstalled("1.0.0") {
		t.Fatal("IsInstalled(1.0.0) = false")
	}
	if _, err := os.Stat(m.TempVersionPath("1.0.0")); !os.IsNotExist(err) {
		t.Error("staging directory should be gone after install")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(m.BinaryPath("1.0.0"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0755 {
			t.Errorf("binary permissions = %o, want 0755", info.Mode().Perm())
		}
	}
}

func TestInstallVersion_TempNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.InstallVersion("9.9.9")
	if !errors.Is(err, ErrTempNotFound) {
		t.Errorf("InstallVersion() error = %v, want ErrTempNotFound", err)
	}
}

func TestInstallVersion_ReplacesExisting(t *testing.T) {
	m := newTestManager(t)
	install(t, m, "1.0.0")
	install(t, m, "1.1.0")
	if err := m.SwitchVersion("1.1.0"); err != nil {
		t.Fatal(err)
	}

	// Reinstall a non-current version.
	src := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(src, []byte("rebuilt"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StageBinary("1.0.0", src); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallVersion("1.0.0"); err != nil {
		t.Fatalf("InstallVersion() error = %v", err)
	}

	data, err := os.ReadFile(m.BinaryPath("1.0.0"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "rebuilt" {
		t.Errorf("binary = %q, want rebuilt", data)
	}

	entries, _ := os.ReadDir(m.VersionsDir())
	for _, e := range entries {
		if e.Name() != "1.0.0" && e.Name() != "1.1.0" {
			t.Errorf("unexpected leftover %s", e.Name())
		}
	}
}

func TestInstallVersion_RefusesCurrent(t *testing.T) {
	m := newTestManager(t)
	install(t, m, "1.0.0")
	if err := m.SwitchVersion("1.0.0"); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StageBinary("1.0.0", src); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallVersion("1.0.0"); !errors.Is(err, ErrVersionInUse) {
		t.Errorf("InstallVersion() error = %v, want ErrVersionInUse", err)
	}
	if !m.IsInstalled("1.0.0") {
		t.Error("current version must stay installed")
	}
}

func TestSwitchVersion(t *testing.T) {
	m := newTestManager(t)

	if v, err := m.CurrentVersion(); err != nil || v != "" {
		t.Errorf("CurrentVersion() = %q, %v, want empty", v, err)
	}

	if err := m.SwitchVersion("2.0.0"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("SwitchVersion() error = %v, want ErrVersionNotFound", err)
	}

	install(t, m, "1.0.0")
	install(t, m, "2.0.0")
	for _, v := range []string{"1.0.0", "2.0.0", "1.0.0"} {
		if err := m.SwitchVersion(v); err != nil {
			t.Fatalf("SwitchVersion(%s) error = %v", v, err)
		}
		got, err := m.CurrentVersion()
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("CurrentVersion() = %s, want %s", got, v)
		}
	}
}

func TestListVersions(t *testing.T) {
	m := newTestManager(t)
	for _, v := range []string{"1.10.0", "1.2.0", "0.9.1"} {
		install(t, m, v)
	}
	// Noise that must be ignored.
	for _, dir := range []string{".tmp-3.0.0", ".old-1.2.0-0", "not-a-version"} {
		if err := os.MkdirAll(filepath.Join(m.VersionsDir(), dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.VersionsDir(), "4.0.0"), []byte("file"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := m.ListVersions()
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	want := []string{"0.9.1", "1.2.0", "1.10.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListVersions() = %v, want %v", got, want)
	}
}

func TestListVersions_MissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"), linux)
	got, err := m.ListVersions()
	if err != nil || len(got) != 0 {
		t.Errorf("ListVersions() = %v, %v, want empty", got, err)
	}
}

func TestRemoveVersion(t *testing.T) {
	m := newTestManager(t)
	install(t, m, "1.0.0")
	install(t, m, "2.0.0")
	if err := m.SwitchVersion("2.0.0"); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveVersion("2.0.0"); !errors.Is(err, ErrVersionInUse) {
		t.Errorf("RemoveVersion(current) error = %v, want ErrVersionInUse", err)
	}
	if err := m.RemoveVersion("1.0.0"); err != nil {
		t.Errorf("RemoveVersion() error = %v", err)
	}
	if m.IsInstalled("1.0.0") {
		t.Error("1.0.0 still installed")
	}
	if err := m.RemoveVersion("1.0.0"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("RemoveVersion(missing) error = %v, want ErrVersionNotFound", err)
	}
}

func TestCleanupTemp(t *testing.T) {
	m := newTestManager(t)
	install(t, m, "1.0.0")
	for _, dir := range []string{".tmp-2.0.0", ".old-1.0.0-0"} {
		if err := os.MkdirAll(filepath.Join(m.VersionsDir(), dir, "sub"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := m.CleanupTemp()
	if err != nil {
		t.Fatalf("CleanupTemp() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("CleanupTemp() removed %v, want 2 entries", removed)
	}
	if !m.IsInstalled("1.0.0") {
		t.Error("CleanupTemp() removed an installed version")
	}
}

func TestInvalidVersionNames(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"", "..", "../etc", `a\b`, ".tmp-1.0.0"} {
		if err := m.SwitchVersion(name); !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("SwitchVersion(%q) error = %v, want ErrInvalidVersion", name, err)
		}
		if m.IsInstalled(name) {
			t.Errorf("IsInstalled(%q) = true", name)
		}
	}
}

func TestPrune(t *testing.T) {
	m := newTestManager(t)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0", "1.4.0"} {
		install(t, m, v)
	}
	if err := m.SwitchVersion("1.0.0"); err != nil {
		t.Fatal(err)
	}

	result, err := m.Prune(2, "1.1.0")
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	wantKept := []string{"1.0.0", "1.1.0", "1.3.0", "1.4.0"}
	if !reflect.DeepEqual(result.Kept, wantKept) {
		t.Errorf("Prune() Kept = %v, want %v", result.Kept, wantKept)
	}
	if !reflect.DeepEqual(result.Deleted, []string{"1.2.0"}) {
		t.Errorf("Prune() Deleted = %v, want [1.2.0]", result.Deleted)
	}

	got, _ := m.ListVersions()
	if !reflect.DeepEqual(got, wantKept) {
		t.Errorf("ListVersions() after prune = %v, want %v", got, wantKept)
	}
}

func TestPrune_Negative(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Prune(-1); err == nil {
		t.Error("Prune(-1) should fail")
	}
}
