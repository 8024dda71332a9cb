package e2e

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	binaryName    = "airdb"
	bootstrapName = "airdb-bootstrap"
	builtVersion  = "1.0.0"
)

var (
	binaryPath    string
	bootstrapPath string
)

// TestMain builds the binaries before running tests
func TestMain(m *testing.M) {
	ldflags := "-X main.version=" + builtVersion
	for name, pkg := range map[string]string{binaryName: "../../cmd/airdb", bootstrapName: "../../cmd/airdb-bootstrap"} {
		cmd := exec.Command("go", "build", "-ldflags", ldflags, "-o", name, pkg)
		if out, err := cmd.CombinedOutput(); err != nil {
			panic("failed to build " + name + ": " + err.Error() + "\n" + string(out))
		}
	}

	binaryPath, _ = filepath.Abs(binaryName)
	bootstrapPath, _ = filepath.Abs(bootstrapName)

	code := m.Run()

	os.Remove(binaryName)
	os.Remove(bootstrapName)

	os.Exit(code)
}

// testEnv is an isolated airdb home with its own settings directory.
type testEnv struct {
	home   string
	xdg    string
	assets string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	e := &testEnv{
		home:   filepath.Join(root, "home"),
		xdg:    filepath.Join(root, "xdg"),
		assets: filepath.Join(root, "assets"),
	}
	for _, dir := range []string{e.home, e.xdg, e.assets} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func (e *testEnv) environ() []string {
	return append(os.Environ(),
		"AIRDB_HOME="+e.home,
		"XDG_CONFIG_HOME="+e.xdg,
		"AIRDB_UPDATER_CONFIG=",
		"AIRDB_SIGNING_KEY=",
	)
}

// run executes binary and returns stdout, stderr and the exit code.
func (e *testEnv) run(t *testing.T, binary string, args ...string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binary, args...)
	cmd.Env = e.environ()
	cmd.Dir = e.assets

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("failed to run %s: %v", binary, err)
	}
	return stdout.String(), stderr.String(), code
}

func (e *testEnv) airdb(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	return e.run(t, binaryPath, args...)
}

// mustJSON runs airdb with -o json and decodes stdout.
func (e *testEnv) mustJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	stdout, stderr, code := e.airdb(t, append(args, "-o", "json")...)
	if code != 0 {
		t.Fatalf("airdb %s exited %d\nstderr: %s", strings.Join(args, " "), code, stderr)
	}
	if err := json.Unmarshal([]byte(stdout), v); err != nil {
		t.Fatalf("output of airdb %s is not valid JSON: %v\noutput: %s", strings.Join(args, " "), err, stdout)
	}
}

func manifestKey(t *testing.T) string {
	t.Helper()
	switch runtime.GOOS {
	case "linux":
		return "linux"
	case "darwin":
		return "macos"
	default:
		t.Skip("release artifacts are shell scripts")
		return ""
	}
}

// publishRelease builds, signs and serves a release whose artifact is a shell
// script, and points the updater settings at it.
func (e *testEnv) publishRelease(t *testing.T, version string) *httptest.Server {
	t.Helper()
	key := manifestKey(t)

	var keys map[string]string
	e.mustJSON(t, &keys, "release", "keygen", "--out", filepath.Join(e.assets, "release.key"))
	if keys["public_key"] == "" {
		t.Fatalf("keygen printed no public key: %v", keys)
	}

	script := fmt.Sprintf("#!/bin/sh\necho \"airdb %s $*\"\n", version)
	artifact := filepath.Join(e.assets, "airdb-desktop")
	if err := os.WriteFile(artifact, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.FileServer(http.Dir(e.assets)))
	t.Cleanup(srv.Close)

	_, stderr, code := e.airdb(t, "release", "manifest",
		"--version", version,
		"--artifact", key+"="+artifact,
		"--base-url", srv.URL,
		"--changelog", "Faster queries",
		"--key", filepath.Join(e.assets, "release.key"),
		"--out", filepath.Join(e.assets, "update-manifest.json"))
	if code != 0 {
		t.Fatalf("release manifest exited %d: %s", code, stderr)
	}

	settings := fmt.Sprintf("manifest_url: %s/update-manifest.json\npublic_key: %s\nstartup_timeout: 10s\n", srv.URL, keys["public_key"])
	if err := os.WriteFile(filepath.Join(e.home, "airdb-updater.yaml"), []byte(settings), 0644); err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestVersionCommand(t *testing.T) {
	e := setupTestEnv(t)

	stdout, _, code := e.airdb(t, "version")
	if code != 0 || !strings.Contains(stdout, "airdb version "+builtVersion) {
		t.Errorf("version = %q (exit %d)", stdout, code)
	}

	var info map[string]any
	e.mustJSON(t, &info, "version")
	if info["version"] != builtVersion {
		t.Errorf("version json = %v", info)
	}
	if info["home"] != e.home {
		t.Errorf("home = %v, want %s", info["home"], e.home)
	}
}

func TestStatusFreshInstall(t *testing.T) {
	e := setupTestEnv(t)

	var status map[string]any
	e.mustJSON(t, &status, "update", "status")
	if status["current_version"] != builtVersion {
		t.Errorf("current_version = %v, want %s", status["current_version"], builtVersion)
	}
	if status["pending_version"] != nil {
		t.Errorf("pending_version = %v, want null", status["pending_version"])
	}
	if got := status["update_status"].(map[string]any)["status"]; got != "idle" {
		t.Errorf("update_status = %v, want idle", got)
	}

	stdout, stderr, code := e.airdb(t, "update", "status", "-o", "yaml")
	if code != 0 {
		t.Fatalf("status -o yaml exited %d: %s", code, stderr)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("output is not valid YAML: %v\noutput: %s", err, stdout)
	}

	stdout, _, _ = e.airdb(t, "update", "status")
	for _, want := range []string{"Current version:", "Channel:", "No active locks"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("text status missing %q:\n%s", want, stdout)
		}
	}
}

func TestChannelCommand(t *testing.T) {
	e := setupTestEnv(t)

	if _, stderr, code := e.airdb(t, "update", "channel", "beta"); code != 0 {
		t.Fatalf("channel beta exited %d: %s", code, stderr)
	}
	stdout, _, _ := e.airdb(t, "update", "channel")
	if strings.TrimSpace(stdout) != "beta" {
		t.Errorf("channel = %q, want beta", stdout)
	}

	if _, _, code := e.airdb(t, "update", "channel", "edge"); code == 0 {
		t.Error("unknown channel accepted")
	}
}

func TestLocks(t *testing.T) {
	e := setupTestEnv(t)

	if _, stderr, code := e.airdb(t, "locks", "check", "update"); code != 0 {
		t.Fatalf("locks check exited %d: %s", code, stderr)
	}

	// A serve lock owned by this (live) test process.
	lockDir := filepath.Join(e.home, ".airdb", "locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		t.Fatal(err)
	}
	info := fmt.Sprintf(`{"lock_type":"serve","pid":%d,"started_at":%q,"description":"API server running"}`,
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(lockDir, "serve.lock"), []byte(info), 0644); err != nil {
		t.Fatal(err)
	}

	var active []map[string]any
	e.mustJSON(t, &active, "locks", "list")
	if len(active) != 1 || active[0]["lock_type"] != "serve" {
		t.Errorf("locks = %v, want one serve lock", active)
	}

	_, stderr, code := e.airdb(t, "locks", "check", "update")
	if code != 6 {
		t.Errorf("locks check update exit = %d, want 6 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stderr, "blocked by serve") {
		t.Errorf("stderr = %q", stderr)
	}

	if _, _, code := e.airdb(t, "update", "rollback", "--yes"); code == 0 {
		t.Error("rollback succeeded with nothing to roll back")
	}

	if _, stderr, code := e.airdb(t, "locks", "release-all", "--yes"); code != 0 {
		t.Fatalf("release-all exited %d: %s", code, stderr)
	}
	if _, _, code := e.airdb(t, "locks", "check", "update"); code != 0 {
		t.Errorf("locks check after release-all exit = %d, want 0", code)
	}
}

func TestReleaseVerify(t *testing.T) {
	e := setupTestEnv(t)
	e.publishRelease(t, "1.1.0")

	var keys map[string]string
	e.mustJSON(t, &keys, "release", "keygen")

	settings, err := os.ReadFile(filepath.Join(e.home, "airdb-updater.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		PublicKey string `yaml:"public_key"`
	}
	if err := yaml.Unmarshal(settings, &cfg); err != nil {
		t.Fatal(err)
	}

	stdout, stderr, code := e.airdb(t, "release", "verify", "--public-key", cfg.PublicKey, "--dir", e.assets)
	if code != 0 {
		t.Fatalf("release verify exited %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Signature of update-manifest.json 1.1.0 is valid") {
		t.Errorf("stdout = %q", stdout)
	}

	if _, _, code := e.airdb(t, "release", "verify", "--public-key", keys["public_key"]); code != 4 {
		t.Errorf("verify with another key exit = %d, want 4", code)
	}
}

func TestUpdateLifecycle(t *testing.T) {
	e := setupTestEnv(t)
	e.publishRelease(t, "1.1.0")

	var check map[string]any
	e.mustJSON(t, &check, "update", "check")
	if check["latest_version"] != "1.1.0" || check["available"] != true {
		t.Fatalf("check = %v", check)
	}

	var status map[string]any
	e.mustJSON(t, &status, "update", "download")
	if status["pending_version"] != "1.1.0" {
		t.Fatalf("pending_version = %v, want 1.1.0", status["pending_version"])
	}
	if got := status["update_status"].(map[string]any)["status"]; got != "ready_to_switch" {
		t.Errorf("update_status = %v, want ready_to_switch", got)
	}
	if _, err := os.Stat(filepath.Join(e.home, "versions", "1.1.0")); err != nil {
		t.Errorf("version 1.1.0 not installed: %v", err)
	}

	if _, stderr, code := e.airdb(t, "update", "download"); code != 7 {
		t.Errorf("second download exit = %d, want 7 (stderr: %s)", code, stderr)
	}
	if _, stderr, code := e.airdb(t, "update", "apply"); code != 0 {
		t.Errorf("apply exited %d: %s", code, stderr)
	}

	// The bootstrapper switches to the pending version and execs it.
	stdout, stderr, code := e.run(t, bootstrapPath, "--serve")
	if code != 0 {
		t.Fatalf("bootstrapper exited %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "airdb 1.1.0 --serve") {
		t.Errorf("bootstrapper launched %q, want airdb 1.1.0", stdout)
	}

	e.mustJSON(t, &status, "update", "status")
	if status["current_version"] != "1.1.0" || status["last_good_version"] != builtVersion {
		t.Errorf("after switch current=%v last_good=%v", status["current_version"], status["last_good_version"])
	}
	if status["failed_boot_count"] != float64(1) {
		t.Errorf("failed_boot_count = %v, want 1 before confirmation", status["failed_boot_count"])
	}

	e.mustJSON(t, &status, "update", "confirm")
	if status["failed_boot_count"] != float64(0) {
		t.Errorf("failed_boot_count = %v, want 0 after confirm", status["failed_boot_count"])
	}
	if _, err := os.Stat(filepath.Join(e.home, "versions", "1.1.0", ".boot_success")); err != nil {
		t.Errorf("boot marker missing: %v", err)
	}

	// 1.0.0 was the built-in version and never installed.
	if _, _, code := e.airdb(t, "update", "rollback", "--yes"); code != 5 {
		t.Errorf("rollback exit = %d, want 5", code)
	}

	var cleanup map[string][]string
	e.mustJSON(t, &cleanup, "update", "cleanup")
	var pruned map[string][]string
	e.mustJSON(t, &pruned, "update", "prune", "--keep", "0")
	if len(pruned["kept"]) != 1 || pruned["kept"][0] != "1.1.0" {
		t.Errorf("prune kept %v, want [1.1.0]", pruned["kept"])
	}
}

func TestUpdateRejectsTamperedManifest(t *testing.T) {
	e := setupTestEnv(t)
	e.publishRelease(t, "1.1.0")

	path := filepath.Join(e.assets, "update-manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "Faster queries", "Slower queries", 1)
	if err := os.WriteFile(path, []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}

	_, stderr, code := e.airdb(t, "update", "download")
	if code != 4 {
		t.Errorf("download exit = %d, want 4 (stderr: %s)", code, stderr)
	}

	var status map[string]any
	e.mustJSON(t, &status, "update", "status")
	if got := status["update_status"].(map[string]any)["status"]; got != "failed" {
		t.Errorf("update_status = %v, want failed", got)
	}
	if _, err := os.Stat(filepath.Join(e.home, "versions", "1.1.0")); !os.IsNotExist(err) {
		t.Errorf("tampered release was installed")
	}
}

func TestResetKeepsStateBackup(t *testing.T) {
	e := setupTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.home, "state.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, code := e.airdb(t, "update", "status"); code != 7 {
		t.Errorf("status with corrupt state exit = %d, want 7", code)
	}

	var status map[string]any
	e.mustJSON(t, &status, "update", "reset")
	if status["current_version"] != builtVersion {
		t.Errorf("current_version after reset = %v, want %s", status["current_version"], builtVersion)
	}

	var backups []map[string]any
	e.mustJSON(t, &backups, "update", "backups")
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want one", backups)
	}

	// The only backup is the corrupt file, which is never restored.
	if _, _, code := e.airdb(t, "update", "restore-state", "--yes"); code != 7 {
		t.Errorf("restore-state exit = %d, want 7", code)
	}
	if _, _, code := e.airdb(t, "update", "restore-state", "--yes", "2020-01-01-000000.000"); code != 5 {
		t.Errorf("restore-state unknown id exit = %d, want 5", code)
	}
}
