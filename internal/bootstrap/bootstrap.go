// Package bootstrap implements the launcher that picks the version to run,
// counts the launch towards the failed boot limit, rolls back after repeated
// unconfirmed boots, and hands the process over to the chosen binary. The
// launcher itself is never updated.
package bootstrap

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/health"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/versions"
)

// RollbackReason is recorded when the failed boot limit is reached.
const RollbackReason = "too many failed boots"

// ErrNoInstalledVersion is returned when no launchable binary exists.
var ErrNoInstalledVersion = errors.New("no installed version found, please reinstall airdb")

// Action describes how the launched version was chosen.
type Action string

const (
	ActionLaunch     Action = "launch"
	ActionSwitch     Action = "switch"
	ActionRollback   Action = "rollback"
	ActionFallback   Action = "fallback"
	ActionBuiltin    Action = "builtin"
	ActionDropStaged Action = "drop_pending"
)

// Decision is the outcome of Resolve.
type Decision struct {
	Version string
	Binary  string
	Actions []Action
	State   *state.UpdateState
}

// Has reports whether a was taken.
func (d *Decision) Has(a Action) bool {
	for _, x := range d.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// ExecFunc replaces or runs the process image. It returns the exit code to
// propagate when the platform cannot replace the current process.
type ExecFunc func(binary string, args []string) (int, error)

// Bootstrapper resolves and launches versions.
type Bootstrapper struct {
	versions *versions.Manager
	store    *state.Store
	builtin  string
	exec     ExecFunc
}

// New creates a bootstrapper. builtin is the version compiled into the
// launcher, used when state names nothing launchable.
func New(vm *versions.Manager, store *state.Store, builtin string) *Bootstrapper {
	return &Bootstrapper{versions: vm, store: store, builtin: builtin, exec: execBinary}
}

// WithExec replaces the process launcher.
func (b *Bootstrapper) WithExec(fn ExecFunc) *Bootstrapper {
	b.exec = fn
	return b
}

// Resolve decides which version to launch and persists the resulting state.
// The launch is counted before anything else so a crash of the launched
// version is already recorded.
func (b *Bootstrapper) Resolve() (*Decision, error) {
	st, err := b.store.Load()
	if err != nil {
		log.WithError(err).Warn("Could not load state, using defaults")
		st = state.Default(b.builtin)
	}

	d := &Decision{State: st}
	rollback := st.RecordBootAttempt()

	switch {
	case rollback && b.versions.IsInstalled(st.LastGoodVersion):
		log.Warnf("Too many failed boots (%d), rolling back to %s", st.FailedBootCount, st.LastGoodVersion)
		st.RollBack(RollbackReason)
		d.Actions = append(d.Actions, ActionRollback)

	case st.PendingVersion != "" && b.versions.IsInstalled(st.PendingVersion):
		log.Infof("Switching to new version: %s", st.PendingVersion)
		st.CompleteSwitch()
		// This launch is the first attempt of the new version.
		st.FailedBootCount = 1
		d.Actions = append(d.Actions, ActionSwitch)

	case st.PendingVersion != "":
		log.Warnf("Pending version %s not found, staying on %s", st.PendingVersion, st.CurrentVersion)
		pending := st.PendingVersion
		st.ClearPending()
		if st.UpdateStatus.Kind == types.StatusIdle {
			st.UpdateStatus = state.Status{Kind: types.StatusFailed, Reason: fmt.Sprintf("pending version %s not installed", pending)}
		}
		d.Actions = append(d.Actions, ActionDropStaged)
	}

	d.Version = st.CurrentVersion
	if !b.versions.IsInstalled(d.Version) {
		switch {
		case b.versions.IsInstalled(st.LastGoodVersion):
			log.Warnf("Current version %s invalid, falling back to %s", st.CurrentVersion, st.LastGoodVersion)
			st.CurrentVersion = st.LastGoodVersion
			d.Version = st.LastGoodVersion
			d.Actions = append(d.Actions, ActionFallback)
		case b.versions.IsInstalled(b.builtin):
			log.Warnf("No valid version found, using built-in version %s", b.builtin)
			d.Version = b.builtin
			d.Actions = append(d.Actions, ActionBuiltin)
		default:
			if err := b.store.Save(st); err != nil {
				log.WithError(err).Warn("Could not save state")
			}
			return d, ErrNoInstalledVersion
		}
	}
	if len(d.Actions) == 0 {
		d.Actions = append(d.Actions, ActionLaunch)
	}
	d.Binary = b.versions.BinaryPath(d.Version)

	if current, err := b.versions.CurrentVersion(); err != nil || current != d.Version {
		if err := b.versions.SwitchVersion(d.Version); err != nil {
			log.WithError(err).Warn("Could not update current pointer")
		}
	}

	if err := health.Clear(b.versions.VersionPath(d.Version)); err != nil {
		log.WithError(err).Warn("Could not clear boot marker")
	}

	if err := b.store.Save(st); err != nil {
		log.WithError(err).Warn("Could not save state")
	}
	return d, nil
}

// Run resolves the version and launches it with args. On platforms that
// replace the process image it only returns on failure.
func (b *Bootstrapper) Run(args []string) (int, error) {
	d, err := b.Resolve()
	if err != nil {
		return 1, err
	}

	if _, err := os.Stat(d.Binary); err != nil {
		return 1, fmt.Errorf("binary not found at %s: %w", d.Binary, err)
	}

	log.WithField("version", d.Version).Infof("Launching %s", d.Binary)
	code, err := b.exec(d.Binary, args)
	if err != nil {
		return 1, fmt.Errorf("failed to launch %s: %w", d.Binary, err)
	}
	return code, nil
}
