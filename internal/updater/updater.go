// Package updater drives a complete update: check, download, verify, stage,
// install, apply, roll back, and confirm boots. It ties the version layout,
// the state machine, the lock manager and the network sources together and
// is used by the CLI and embeddable by the application.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/atomicfile"
	"github.com/adamancini/airdb/internal/backup"
	"github.com/adamancini/airdb/internal/download"
	"github.com/adamancini/airdb/internal/health"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/manifest"
	"github.com/adamancini/airdb/internal/semver"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/verify"
	"github.com/adamancini/airdb/internal/versions"
)

// updateLockTimeout lets other processes reclaim an update lock whose owner
// hung.
const updateLockTimeout = 2 * time.Hour

var (
	// ErrUnsupportedUpgrade is returned when the running version is older
	// than the release's minimum supported version.
	ErrUnsupportedUpgrade = errors.New("upgrade from this version is not supported")
	// ErrUpToDate is returned when there is nothing newer to download.
	ErrUpToDate = errors.New("already up to date")
	// ErrUpdatePending is returned when a staged update awaits a restart.
	ErrUpdatePending = errors.New("an update is already staged, restart airdb to apply it")
	// ErrNoPendingUpdate is returned by Apply when nothing is staged.
	ErrNoPendingUpdate = errors.New("no update is staged")
	// ErrNothingToRollBack is returned when current is already the last good
	// version.
	ErrNothingToRollBack = errors.New("current version is already the last known-good version")
	// ErrSizeMismatch is returned when a download differs from the size the
	// manifest declares.
	ErrSizeMismatch = errors.New("downloaded size does not match manifest")
)

// ProgressFunc receives download progress.
type ProgressFunc func(downloaded, total uint64)

// Updater orchestrates updates for one installation.
type Updater struct {
	versions   *versions.Manager
	machine    *state.Machine
	locks      *lock.Manager
	source     manifest.Source
	verifier   *verify.Verifier
	downloader *download.Downloader
	checker    *health.Checker
	backups    *backup.Manager
	keep       int
}

// New creates an updater. The source, verifier, downloader and checker can
// be replaced with the With methods.
func New(vm *versions.Manager, machine *state.Machine, locks *lock.Manager, source manifest.Source) *Updater {
	return &Updater{
		versions:   vm,
		machine:    machine,
		locks:      locks,
		source:     source,
		verifier:   verify.NewVerifier(nil),
		downloader: download.New(),
		checker:    health.NewChecker(health.Config{}),
		backups:    backup.NewManager(vm.BackupsDir()),
		keep:       versions.DefaultKeepCount,
	}
}

// WithVerifier sets the manifest verifier.
func (u *Updater) WithVerifier(v *verify.Verifier) *Updater {
	u.verifier = v
	return u
}

// WithDownloader sets the artifact downloader.
func (u *Updater) WithDownloader(d *download.Downloader) *Updater {
	u.downloader = d
	return u
}

// WithChecker sets the health checker.
func (u *Updater) WithChecker(c *health.Checker) *Updater {
	u.checker = c
	return u
}

// WithKeep sets how many versions Prune retains by default.
func (u *Updater) WithKeep(keep int) *Updater {
	u.keep = keep
	return u
}

// Versions returns the version manager.
func (u *Updater) Versions() *versions.Manager { return u.versions }

// Machine returns the state machine.
func (u *Updater) Machine() *state.Machine { return u.machine }

// Locks returns the lock manager.
func (u *Updater) Locks() *lock.Manager { return u.locks }

// CheckResult describes the newest release on the subscribed channel.
type CheckResult struct {
	Channel         types.Channel `json:"channel" yaml:"channel"`
	CurrentVersion  string        `json:"current_version" yaml:"current_version"`
	LatestVersion   string        `json:"latest_version" yaml:"latest_version"`
	ReleaseDate     string        `json:"release_date,omitempty" yaml:"release_date,omitempty"`
	Available       bool          `json:"available" yaml:"available"`
	CanUpgrade      bool          `json:"can_upgrade" yaml:"can_upgrade"`
	ResumeSupported bool          `json:"resume_supported" yaml:"resume_supported"`
	Changelog       []string      `json:"changelog,omitempty" yaml:"changelog,omitempty"`
}

// Check fetches the newest manifest for the channel and compares it with
// the current version. Nothing is downloaded.
func (u *Updater) Check(ctx context.Context) (*CheckResult, error) {
	st, err := u.machine.StartChecking()
	if err != nil {
		return nil, err
	}

	m, err := u.source.Latest(ctx, st.Channel)
	if err != nil {
		return nil, u.fail(err)
	}
	u.cacheManifest(m)

	result := &CheckResult{
		Channel:        st.Channel,
		CurrentVersion: st.CurrentVersion,
		LatestVersion:  m.Version,
		ReleaseDate:    m.ReleaseDate,
		Available:      semver.IsNewer(m.Version, st.CurrentVersion),
		CanUpgrade:     m.CanUpgradeFrom(st.CurrentVersion),
		Changelog:      m.Changelog,
	}
	if result.Available {
		if art, err := manifest.SelectPlatformArtifact(m, u.versions.Platform()); err == nil {
			result.ResumeSupported = u.downloader.SupportsResume(ctx, art.URL)
		}
	}

	if _, err := u.machine.FinishCheck(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"current": result.CurrentVersion,
		"latest":  result.LatestVersion,
		"channel": result.Channel,
	}).Info("Update check complete")
	return result, nil
}

// Download fetches, verifies, health-checks and installs a release, leaving
// it pending for the next launch. An empty version means the newest release
// on the channel. The update lock is held throughout.
func (u *Updater) Download(ctx context.Context, version string, onProgress ProgressFunc) (*state.UpdateState, error) {
	guard, err := u.locks.Acquire(types.LockUpdate,
		lock.WithDescription("Application update in progress"),
		lock.WithTimeout(updateLockTimeout))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	if st.HasPendingUpdate() {
		return st, fmt.Errorf("%w (%s)", ErrUpdatePending, st.PendingVersion)
	}

	// Checking resets the status, so read an interrupted download's progress
	// first.
	recorded := u.machine.ResumeOffset()
	if st, err = u.machine.StartChecking(); err != nil {
		return nil, err
	}
	current := st.CurrentVersion

	var m *manifest.Manifest
	if version == "" {
		m, err = u.source.Latest(ctx, st.Channel)
	} else {
		m, err = u.source.ForVersion(ctx, version)
	}
	if err != nil {
		return nil, u.fail(err)
	}
	u.cacheManifest(m)

	switch {
	case version == "" && !semver.IsNewer(m.Version, current):
		if _, err := u.machine.FinishCheck(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrUpToDate, current)
	case semver.Compare(m.Version, current) == 0:
		if _, err := u.machine.FinishCheck(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is running", ErrUpToDate, current)
	}

	if err := u.verifier.VerifyManifest(m); err != nil {
		return nil, u.fail(err)
	}
	if !m.CanUpgradeFrom(current) {
		return nil, u.fail(fmt.Errorf("%w: %s requires at least %s, running %s",
			ErrUnsupportedUpgrade, m.Version, m.MinSupportedVersion, current))
	}
	artifact, err := manifest.SelectPlatformArtifact(m, u.versions.Platform())
	if err != nil {
		return nil, u.fail(err)
	}

	if _, err := u.machine.StartDownloading(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(u.versions.UpdaterDir(), 0755); err != nil {
		return nil, u.fail(err)
	}

	dest := u.versions.DownloadPath(m.Version)
	offset, err := download.ReconcilePartial(dest, recorded)
	if err != nil {
		return nil, u.fail(err)
	}
	if offset > 0 {
		log.WithFields(log.Fields{"version": m.Version, "offset": offset}).Info("Resuming interrupted download")
	}
	progress := newProgressRecorder(u.machine, onProgress)
	progress.seed(offset, artifactSize(artifact))
	res, err := u.downloader.Download(ctx, artifact.URL, dest, progress.record)
	if err != nil {
		return nil, u.fail(err)
	}
	progress.flush()
	log.WithFields(log.Fields{
		"version": m.Version,
		"bytes":   res.BytesDownloaded,
		"resumed": res.Resumed,
	}).Info("Download complete")

	if _, err := u.machine.StartVerifying(); err != nil {
		return nil, err
	}
	if err := checkSize(dest, artifact.Size); err != nil {
		_ = os.Remove(dest)
		return nil, u.fail(err)
	}
	if err := verify.VerifyChecksum(dest, artifact.SHA256); err != nil {
		// A corrupt file must not be resumed.
		_ = os.Remove(dest)
		return nil, u.fail(err)
	}

	binary, err := u.versions.StageBinary(m.Version, dest)
	if err != nil {
		return nil, u.fail(err)
	}
	if res := u.checker.CheckVersion(ctx, binary); !res.Healthy() {
		_ = os.RemoveAll(u.versions.TempVersionPath(m.Version))
		return nil, u.fail(res.Err())
	}
	if err := u.versions.InstallVersion(m.Version); err != nil {
		_ = os.RemoveAll(u.versions.TempVersionPath(m.Version))
		return nil, u.fail(err)
	}

	st, err = u.machine.MarkReady(m.Version)
	if err != nil {
		return nil, err
	}
	log.WithField("version", m.Version).Info("Update staged, it will be used on next launch")
	return st, nil
}

// artifactSize returns the advertised size, 0 when the manifest omits it.
func artifactSize(a *manifest.Artifact) uint64 {
	if a.Size == nil {
		return 0
	}
	return *a.Size
}

func checkSize(path string, want *uint64) error {
	if want == nil {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if uint64(info.Size()) != *want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, info.Size(), *want)
	}
	return nil
}

// fail records err as the failure reason and returns it.
func (u *Updater) fail(err error) error {
	if _, serr := u.machine.MarkFailed(state.FailureReason(err)); serr != nil {
		log.WithError(serr).Warn("Could not record update failure")
	}
	return err
}

// cacheManifest keeps the last fetched manifest in the updater directory.
func (u *Updater) cacheManifest(m *manifest.Manifest) {
	data, err := m.Marshal()
	if err != nil {
		return
	}
	path := filepath.Join(u.versions.UpdaterDir(), manifest.FileName)
	if err := atomicfile.Write(path, data, 0644); err != nil {
		log.WithError(err).Debug("Could not cache manifest")
	}
}

// Apply health-checks the staged version. The switch itself happens when the
// bootstrapper next launches airdb.
func (u *Updater) Apply(ctx context.Context) (*state.UpdateState, error) {
	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	if !st.HasPendingUpdate() {
		return st, ErrNoPendingUpdate
	}
	if !u.versions.IsInstalled(st.PendingVersion) {
		return nil, u.fail(fmt.Errorf("%w: %s", versions.ErrVersionNotFound, st.PendingVersion))
	}

	if res := u.checker.CheckVersion(ctx, u.versions.BinaryPath(st.PendingVersion)); !res.Healthy() {
		return nil, u.fail(res.Err())
	}
	return st, nil
}

// Rollback points current back at the last known-good version.
func (u *Updater) Rollback(_ context.Context) (*state.UpdateState, error) {
	guard, err := u.locks.Acquire(types.LockUpdate, lock.WithDescription("Rolling back application update"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	target := st.LastGoodVersion
	if target == st.CurrentVersion {
		return st, ErrNothingToRollBack
	}
	if !u.versions.IsInstalled(target) {
		return nil, fmt.Errorf("%w: %s", versions.ErrVersionNotFound, target)
	}

	if err := u.versions.SwitchVersion(target); err != nil {
		return nil, err
	}
	st, err = u.machine.MarkRolledBack("manual rollback")
	if err != nil {
		return nil, err
	}
	log.WithField("version", target).Info("Rolled back")
	return st, nil
}

// Status returns the persisted state with the installed versions and the
// active locks.
func (u *Updater) Status() (*Report, error) {
	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	installed, err := u.versions.ListVersions()
	if err != nil {
		return nil, err
	}
	return &Report{
		State:             st,
		InstalledVersions: installed,
		ActiveLocks:       u.locks.ActiveLocks(),
	}, nil
}

// SetChannel changes the subscribed release channel.
func (u *Updater) SetChannel(ch types.Channel) (*state.UpdateState, error) {
	return u.machine.SetChannel(ch)
}

// ConfirmBoot is called by the running application once it is healthy. It
// resets the failed boot counter and writes the boot marker.
func (u *Updater) ConfirmBoot() (*state.UpdateState, error) {
	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	if err := health.MarkBootSuccessful(u.machine, u.versions.VersionPath(st.CurrentVersion)); err != nil {
		return nil, err
	}
	return u.machine.State()
}

// WaitForBoot blocks until the current version confirms its boot or ctx is
// done.
func (u *Updater) WaitForBoot(ctx context.Context) error {
	st, err := u.machine.State()
	if err != nil {
		return err
	}
	return health.Wait(ctx, u.versions.VersionPath(st.CurrentVersion))
}

// Prune removes old installed versions. keep < 0 uses the configured count.
// Current, last good and pending versions are never removed.
func (u *Updater) Prune(keep int) (*versions.PruneResult, error) {
	if keep < 0 {
		keep = u.keep
	}
	guard, err := u.locks.Acquire(types.LockUpdate, lock.WithDescription("Pruning old versions"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	st, err := u.machine.State()
	if err != nil {
		return nil, err
	}
	return u.versions.Prune(keep, st.CurrentVersion, st.LastGoodVersion, st.PendingVersion)
}

// CleanupTemp removes leftovers of interrupted installs. Partial downloads
// are kept while a download is resumable.
func (u *Updater) CleanupTemp() ([]string, error) {
	guard, err := u.locks.Acquire(types.LockUpdate, lock.WithDescription("Cleaning up update files"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	var result *multierror.Error
	removed, err := u.versions.CleanupTemp()
	if err != nil {
		result = multierror.Append(result, err)
	}

	st, err := u.machine.State()
	if err != nil {
		return removed, multierror.Append(result, err).ErrorOrNil()
	}
	if st.UpdateStatus.Kind == types.StatusDownloading {
		return removed, result.ErrorOrNil()
	}

	entries, err := os.ReadDir(u.versions.UpdaterDir())
	if err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == manifest.FileName {
			continue
		}
		if !strings.HasSuffix(e.Name(), download.PartialSuffix) && !strings.HasPrefix(e.Name(), "airdb-") {
			continue
		}
		if err := os.Remove(filepath.Join(u.versions.UpdaterDir(), e.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, result.ErrorOrNil()
}

// Reset drops a staged or failed update and returns to idle. A corrupt state
// file is replaced by a fresh one for the version current points at. The old
// file is kept as a backup either way.
func (u *Updater) Reset() (*state.UpdateState, error) {
	guard, err := u.locks.Acquire(types.LockUpdate, lock.WithDescription("Resetting update state"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	if err := u.snapshotState(); err != nil {
		return nil, err
	}

	_, err = u.machine.State()
	if !state.IsCorrupt(err) {
		return u.machine.Reset()
	}

	log.WithError(err).Warn("Replacing corrupt state file")
	store := u.machine.Store()
	current, cerr := u.versions.CurrentVersion()
	if cerr != nil || current == "" {
		current = store.Builtin()
	}
	st := state.Default(current)
	if err := store.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}
