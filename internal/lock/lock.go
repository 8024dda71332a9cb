// Package lock provides cross-process operation locks. Each operation type
// owns one lock file; a fixed matrix decides which held locks block a new
// acquisition. Locks whose owner died or whose timeout elapsed are reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/types"
)

// settleWindow is how long an unreadable lock file is assumed to be held by
// an owner that has created it but not written it yet.
const settleWindow = 5 * time.Second

// staleInfix marks a stale lock file moved aside before removal.
const staleInfix = ".stale-"

// blockers lists, per requested type, the held types that prevent it.
var blockers = map[types.LockType][]types.LockType{
	types.LockUpdate:        {types.LockMigration, types.LockBackup, types.LockServe, types.LockBranchPreview},
	types.LockMigration:     {types.LockUpdate, types.LockBackup},
	types.LockBackup:        {types.LockUpdate, types.LockMigration},
	types.LockServe:         {types.LockUpdate},
	types.LockBranchPreview: {types.LockUpdate},
}

// BlockingTypes returns the lock types that prevent acquiring requested.
func BlockingTypes(requested types.LockType) []types.LockType {
	return blockers[requested]
}

// Info is the content of a lock file.
type Info struct {
	LockType    types.LockType `json:"lock_type" yaml:"lock_type"`
	PID         int            `json:"pid" yaml:"pid"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	Description string         `json:"description" yaml:"description"`
	TimeoutSecs *uint64        `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
}

// Expired reports whether the lock's timeout has elapsed at now.
func (i *Info) Expired(now time.Time) bool {
	if i.TimeoutSecs == nil {
		return false
	}
	return now.Sub(i.StartedAt) > time.Duration(*i.TimeoutSecs)*time.Second
}

// AlreadyLockedError is returned when the requested type is held by a live
// owner.
type AlreadyLockedError struct {
	LockType    types.LockType
	PID         int
	Description string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("%s lock held by PID %d: %s", e.LockType, e.PID, e.Description)
}

// BlockedByError is returned when a conflicting lock is held.
type BlockedByError struct {
	Requested   types.LockType
	Blocking    types.LockType
	Description string
}

func (e *BlockedByError) Error() string {
	return fmt.Sprintf("cannot acquire %s lock: blocked by %s (%s)", e.Requested, e.Blocking, e.Description)
}

// IsContention reports whether err is a lock conflict.
func IsContention(err error) bool {
	var already *AlreadyLockedError
	var blocked *BlockedByError
	return errors.As(err, &already) || errors.As(err, &blocked)
}

// Liveness reports whether a process is still running.
type Liveness interface {
	Alive(pid int) bool
}

// ProcessLiveness checks the process table.
type ProcessLiveness struct{}

// Alive implements Liveness. Lookup failures count as alive so a lock is
// never stolen on uncertain information.
func (ProcessLiveness) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		log.Debugf("pid lookup for %d failed: %v", pid, err)
		return true
	}
	return exists
}

// Option configures an acquisition.
type Option func(*Info)

// WithTimeout lets other processes reclaim the lock after d. The timeout is
// stored in whole seconds, rounded up, and is never shorter than one second.
func WithTimeout(d time.Duration) Option {
	return func(i *Info) {
		secs := uint64(1)
		if d > time.Second {
			secs = uint64((d + time.Second - 1) / time.Second)
		}
		i.TimeoutSecs = &secs
	}
}

// WithDescription overrides the default description of the lock type.
func WithDescription(desc string) Option {
	return func(i *Info) { i.Description = desc }
}

// Manager acquires and inspects locks in one directory.
type Manager struct {
	dir      string
	pid      int
	liveness Liveness
	now      func() time.Time
}

// NewManager creates a manager for the lock directory dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:      dir,
		pid:      os.Getpid(),
		liveness: ProcessLiveness{},
		now:      time.Now,
	}
}

// WithLiveness replaces the process liveness check.
func (m *Manager) WithLiveness(l Liveness) *Manager {
	m.liveness = l
	return m
}

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(lt types.LockType) string {
	return filepath.Join(m.dir, lt.Filename())
}

// Acquire takes the lock for lt.
func (m *Manager) Acquire(lt types.LockType, opts ...Option) (*Guard, error) {
	if err := lt.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkBlocking(lt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	info := Info{
		LockType:    lt,
		PID:         m.pid,
		StartedAt:   m.now().UTC(),
		Description: lt.Description(),
	}
	for _, opt := range opts {
		opt(&info)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lock: %w", err)
	}

	path := m.path(lt)
	// Each failed create either reports a live owner or moves a stale file
	// aside, so a few attempts settle any race.
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock: %w", err)
			}
			if err := f.Close(); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock: %w", err)
			}
			log.WithField("lock", lt).Debug("Acquired lock")
			return &Guard{path: path, lockType: lt}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}

		held, existing := m.inspect(path, lt)
		if held {
			return nil, &AlreadyLockedError{LockType: lt, PID: existing.PID, Description: existing.Description}
		}
		if err := m.reclaim(path, lt); err != nil {
			return nil, err
		}
	}
	return nil, &AlreadyLockedError{LockType: lt, Description: lt.Description()}
}

// reclaim removes a lock file found stale. The file is renamed aside first
// and judged again there: another process may have reclaimed the same stale
// lock and created its own between the first inspection and the rename. A
// live lock moved aside is linked back into place.
func (m *Manager) reclaim(path string, lt types.LockType) error {
	tomb := fmt.Sprintf("%s%s%d-%d", path, staleInfix, m.pid, m.now().UnixNano())
	if err := os.Rename(path, tomb); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}

	held, moved := m.inspect(tomb, lt)
	if !held {
		log.WithField("lock", lt).Infof("Removing stale lock held by PID %d", moved.PID)
		if err := os.Remove(tomb); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
		return nil
	}

	if err := os.Link(tomb, path); err != nil {
		if !os.IsExist(err) {
			_ = os.Remove(tomb)
			return fmt.Errorf("failed to restore %s lock: %w", lt, err)
		}
		log.WithField("lock", lt).Warnf("Lock of PID %d was replaced while being restored", moved.PID)
	}
	_ = os.Remove(tomb)
	return &AlreadyLockedError{LockType: lt, PID: moved.PID, Description: moved.Description}
}

// held reports whether the lock file of lt belongs to a live, unexpired
// owner. A missing file is not held.
func (m *Manager) held(lt types.LockType) (bool, *Info) {
	return m.inspect(m.path(lt), lt)
}

func (m *Manager) inspect(path string, lt types.LockType) (bool, *Info) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, &Info{LockType: lt}
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.LockType == "" {
		// Created but not written yet, or garbage.
		stat, statErr := os.Stat(path)
		if statErr == nil && m.now().Sub(stat.ModTime()) < settleWindow {
			return true, &Info{LockType: lt, Description: lt.Description()}
		}
		return false, &Info{LockType: lt}
	}

	if info.Expired(m.now()) || !m.liveness.Alive(info.PID) {
		return false, &info
	}
	return true, &info
}

func (m *Manager) checkBlocking(requested types.LockType) error {
	for _, lt := range BlockingTypes(requested) {
		if _, err := os.Stat(m.path(lt)); err != nil {
			continue
		}
		if held, info := m.held(lt); held {
			return &BlockedByError{Requested: requested, Blocking: lt, Description: info.Description}
		}
	}
	return nil
}

// Check reports whether lt could be acquired now without taking it.
func (m *Manager) Check(lt types.LockType) error {
	if err := lt.Validate(); err != nil {
		return err
	}
	if err := m.checkBlocking(lt); err != nil {
		return err
	}
	if _, err := os.Stat(m.path(lt)); err == nil {
		if held, info := m.held(lt); held {
			return &AlreadyLockedError{LockType: lt, PID: info.PID, Description: info.Description}
		}
	}
	return nil
}

// ActiveLocks returns the locks held by live owners.
func (m *Manager) ActiveLocks() []Info {
	var active []Info
	for _, lt := range types.AllLockTypes() {
		if _, err := os.Stat(m.path(lt)); err != nil {
			continue
		}
		if held, info := m.held(lt); held {
			active = append(active, *info)
		}
	}
	return active
}

// IsUpdateBlocked returns the description of the first lock preventing an
// update.
func (m *Manager) IsUpdateBlocked() (string, bool) {
	if err := m.checkBlocking(types.LockUpdate); err != nil {
		var blocked *BlockedByError
		if errors.As(err, &blocked) {
			return blocked.Description, true
		}
	}
	return "", false
}

// ForceReleaseAll deletes every lock file regardless of owner, along with
// stale files left behind by an interrupted reclaim.
func (m *Manager) ForceReleaseAll() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var released []string
	var result *multierror.Error
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".lock") || strings.Contains(e.Name(), ".lock"+staleInfix)) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		released = append(released, e.Name())
	}
	if len(released) > 0 {
		log.Warnf("Force released locks: %s", strings.Join(released, ", "))
	}
	return released, result.ErrorOrNil()
}

// Guard releases an acquired lock.
type Guard struct {
	path     string
	lockType types.LockType
	once     sync.Once
	err      error
}

// LockType returns the type held by the guard.
func (g *Guard) LockType() types.LockType { return g.lockType }

// Release deletes the lock file. Calling it more than once is safe.
func (g *Guard) Release() error {
	g.once.Do(func() {
		if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
			g.err = fmt.Errorf("failed to release %s lock: %w", g.lockType, err)
			return
		}
		log.WithField("lock", g.lockType).Debug("Released lock")
	})
	return g.err
}
