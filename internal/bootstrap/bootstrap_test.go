package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adamancini/airdb/internal/health"
	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/versions"
)

type fixture struct {
	vm    *versions.Manager
	store *state.Store
	boot  *Bootstrapper

	launched []string
	args     [][]string
}

func newFixture(t *testing.T, builtin string, installed ...string) *fixture {
	t.Helper()
	base := t.TempDir()
	p := platform.Platform{OS: "linux", Arch: "amd64"}
	vm := versions.NewManagerWithPointer(base, p, versions.NewMarkerPointer(filepath.Join(base, "current")))
	if err := vm.Init(); err != nil {
		t.Fatal(err)
	}
	for _, v := range installed {
		dir := vm.VersionPath(v)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(vm.BinaryPath(v), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{vm: vm, store: state.NewStore(vm.StatePath(), builtin)}
	f.boot = New(vm, f.store, builtin).WithExec(func(binary string, args []string) (int, error) {
		f.launched = append(f.launched, binary)
		f.args = append(f.args, args)
		return 0, nil
	})
	return f
}

func (f *fixture) save(t *testing.T, mutate func(s *state.UpdateState)) {
	t.Helper()
	s := state.Default(f.store.Builtin())
	mutate(s)
	if err := f.store.Save(s); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) load(t *testing.T) *state.UpdateState {
	t.Helper()
	s, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolve_FreshInstall(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Version != "1.0.0" || !d.Has(ActionLaunch) {
		t.Errorf("Resolve() = %s %v, want 1.0.0 launch", d.Version, d.Actions)
	}

	s := f.load(t)
	if s.FailedBootCount != 1 {
		t.Errorf("FailedBootCount = %d, want 1", s.FailedBootCount)
	}
	if cur, _ := f.vm.CurrentVersion(); cur != "1.0.0" {
		t.Errorf("pointer = %q, want 1.0.0", cur)
	}
}

func TestResolve_PendingSwitch(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0", "1.1.0")
	f.save(t, func(s *state.UpdateState) {
		s.PendingVersion = "1.1.0"
		s.UpdateStatus = state.Status{Kind: types.StatusReadyToSwitch}
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Version != "1.1.0" || !d.Has(ActionSwitch) {
		t.Errorf("Resolve() = %s %v, want 1.1.0 switch", d.Version, d.Actions)
	}

	s := f.load(t)
	if s.CurrentVersion != "1.1.0" || s.LastGoodVersion != "1.0.0" || s.PendingVersion != "" {
		t.Errorf("state after switch = %+v", s)
	}
	if s.FailedBootCount != 1 {
		t.Errorf("FailedBootCount = %d, want 1", s.FailedBootCount)
	}
	if s.UpdateStatus.Kind != types.StatusIdle {
		t.Errorf("status = %s, want idle", s.UpdateStatus.Kind)
	}
	if cur, _ := f.vm.CurrentVersion(); cur != "1.1.0" {
		t.Errorf("pointer = %q, want 1.1.0", cur)
	}
}

func TestResolve_RollbackFromLimitMinusOne(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0", "1.1.0")
	f.save(t, func(s *state.UpdateState) {
		s.CurrentVersion = "1.1.0"
		s.LastGoodVersion = "1.0.0"
		s.FailedBootCount = 2
		s.MaxFailedBoots = 3
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Version != "1.0.0" || !d.Has(ActionRollback) {
		t.Errorf("Resolve() = %s %v, want 1.0.0 rollback", d.Version, d.Actions)
	}

	s := f.load(t)
	if s.CurrentVersion != "1.0.0" || s.FailedBootCount != 0 {
		t.Errorf("state after rollback = %+v", s)
	}
	if s.UpdateStatus.Kind != types.StatusRolledBack || s.UpdateStatus.Reason != RollbackReason {
		t.Errorf("status = %s", s.UpdateStatus)
	}
}

func TestResolve_BelowLimitKeepsVersion(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0", "1.1.0")
	f.save(t, func(s *state.UpdateState) {
		s.CurrentVersion = "1.1.0"
		s.FailedBootCount = 1
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "1.1.0" {
		t.Errorf("Resolve() = %s, want 1.1.0", d.Version)
	}
	if s := f.load(t); s.FailedBootCount != 2 {
		t.Errorf("FailedBootCount = %d, want 2", s.FailedBootCount)
	}
}

func TestResolve_BootLoopAfterSwitch(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0", "1.1.0")
	f.save(t, func(s *state.UpdateState) {
		s.PendingVersion = "1.1.0"
		s.UpdateStatus = state.Status{Kind: types.StatusReadyToSwitch}
	})

	// The new version never confirms its boot.
	var got []string
	for i := 0; i < 3; i++ {
		d, err := f.boot.Resolve()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, d.Version)
	}

	want := []string{"1.1.0", "1.1.0", "1.0.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("launched versions = %v, want %v", got, want)
	}
}

func TestResolve_ConfirmedBootResetsCounter(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")

	for i := 0; i < 5; i++ {
		if _, err := f.boot.Resolve(); err != nil {
			t.Fatal(err)
		}
		m := state.NewMachine(f.store)
		if err := health.MarkBootSuccessful(m, f.vm.VersionPath("1.0.0")); err != nil {
			t.Fatal(err)
		}
	}
	s := f.load(t)
	if s.FailedBootCount != 0 || s.UpdateStatus.Kind == types.StatusRolledBack {
		t.Errorf("healthy boots must never roll back: %+v", s)
	}
}

func TestResolve_PendingNotInstalled(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")
	f.save(t, func(s *state.UpdateState) {
		s.PendingVersion = "2.0.0"
		s.UpdateStatus = state.Status{Kind: types.StatusReadyToSwitch}
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "1.0.0" || !d.Has(ActionDropStaged) {
		t.Errorf("Resolve() = %s %v", d.Version, d.Actions)
	}
	s := f.load(t)
	if s.PendingVersion != "" || s.UpdateStatus.Kind != types.StatusFailed {
		t.Errorf("state = %+v", s)
	}
}

func TestResolve_FallbackToLastGood(t *testing.T) {
	f := newFixture(t, "0.9.0", "1.0.0")
	f.save(t, func(s *state.UpdateState) {
		s.CurrentVersion = "1.1.0"
		s.LastGoodVersion = "1.0.0"
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "1.0.0" || !d.Has(ActionFallback) {
		t.Errorf("Resolve() = %s %v", d.Version, d.Actions)
	}
	if s := f.load(t); s.CurrentVersion != "1.0.0" {
		t.Errorf("CurrentVersion = %s, want 1.0.0", s.CurrentVersion)
	}
}

func TestResolve_Builtin(t *testing.T) {
	f := newFixture(t, "0.9.0", "0.9.0")
	f.save(t, func(s *state.UpdateState) {
		s.CurrentVersion = "1.1.0"
		s.LastGoodVersion = "1.0.0"
	})

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "0.9.0" || !d.Has(ActionBuiltin) {
		t.Errorf("Resolve() = %s %v", d.Version, d.Actions)
	}
}

func TestResolve_NothingInstalled(t *testing.T) {
	f := newFixture(t, "1.0.0")
	if _, err := f.boot.Resolve(); !errors.Is(err, ErrNoInstalledVersion) {
		t.Errorf("Resolve() error = %v, want ErrNoInstalledVersion", err)
	}
}

func TestResolve_CorruptState(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")
	if err := os.WriteFile(f.store.Path(), []byte("{garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	d, err := f.boot.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Version != "1.0.0" {
		t.Errorf("Resolve() = %s, want 1.0.0", d.Version)
	}
	if s := f.load(t); s.FailedBootCount != 1 {
		t.Errorf("state not rewritten: %+v", s)
	}
}

func TestResolve_ClearsBootMarker(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")
	dir := f.vm.VersionPath("1.0.0")
	if err := health.Mark(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := f.boot.Resolve(); err != nil {
		t.Fatal(err)
	}
	if health.Exists(dir) {
		t.Error("boot marker should be cleared before launch")
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")

	code, err := f.boot.Run([]string{"--open", "db.sqlite"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 0 {
		t.Errorf("Run() = %d, want 0", code)
	}
	if len(f.launched) != 1 || f.launched[0] != f.vm.BinaryPath("1.0.0") {
		t.Errorf("launched = %v", f.launched)
	}
	if !reflect.DeepEqual(f.args[0], []string{"--open", "db.sqlite"}) {
		t.Errorf("args = %v", f.args[0])
	}
}

func TestRun_PropagatesExitCode(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")
	f.boot.WithExec(func(string, []string) (int, error) { return 42, nil })

	code, err := f.boot.Run(nil)
	if err != nil || code != 42 {
		t.Errorf("Run() = %d, %v, want 42", code, err)
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	f := newFixture(t, "1.0.0", "1.0.0")
	f.boot.WithExec(func(string, []string) (int, error) { return 1, errors.New("exec format error") })

	if _, err := f.boot.Run(nil); err == nil {
		t.Error("Run() should fail when exec fails")
	}
}
