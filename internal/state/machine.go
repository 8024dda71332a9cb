package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/types"
)

// ErrNoPendingVersion is returned by CompleteSwitch when nothing is staged.
var ErrNoPendingVersion = errors.New("no pending version")

// TransitionError reports a transition that is not legal from the current
// status.
type TransitionError struct {
	From types.StatusKind
	To   types.StatusKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move update status from %s to %s", e.From, e.To)
}

// Machine applies named transitions to the persisted state. It holds no
// cached copy between calls: each transition starts from the file on disk
// so concurrent writers (bootstrapper, app, CLI) see each other's changes.
type Machine struct {
	store *Store
	now   func() time.Time
	mu    sync.Mutex
}

// NewMachine creates a machine backed by store.
func NewMachine(store *Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Store returns the underlying store.
func (m *Machine) Store() *Store { return m.store }

// State returns the current persisted state.
func (m *Machine) State() (*UpdateState, error) {
	return m.store.Load()
}

// update loads the state, applies fn and saves the result. Nothing is saved
// when fn fails.
func (m *Machine) update(fn func(s *UpdateState) error) (*UpdateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

func expectStatus(s *UpdateState, to types.StatusKind, allowed ...types.StatusKind) error {
	for _, k := range allowed {
		if s.UpdateStatus.Kind == k {
			return nil
		}
	}
	return &TransitionError{From: s.UpdateStatus.Kind, To: to}
}

// StartChecking begins an update check and records the check time. A staged
// update must be applied or reset first.
func (m *Machine) StartChecking() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := expectStatus(s, types.StatusChecking,
			types.StatusIdle, types.StatusChecking, types.StatusDownloading,
			types.StatusVerifying, types.StatusFailed, types.StatusRolledBack); err != nil {
			return err
		}
		now := m.now().UTC().Truncate(time.Second)
		s.LastCheck = &now
		s.UpdateStatus = Status{Kind: types.StatusChecking}
		return nil
	})
}

// FinishCheck ends a check that found nothing to download.
func (m *Machine) FinishCheck() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := expectStatus(s, types.StatusIdle, types.StatusChecking); err != nil {
			return err
		}
		s.UpdateStatus = Idle()
		return nil
	})
}

// StartDownloading enters the downloading status. Calling it while already
// downloading keeps the recorded progress so a resumed download continues
// from it.
func (m *Machine) StartDownloading() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := expectStatus(s, types.StatusDownloading, types.StatusChecking, types.StatusDownloading); err != nil {
			return err
		}
		if s.UpdateStatus.Kind != types.StatusDownloading {
			s.UpdateStatus = Status{Kind: types.StatusDownloading}
		}
		return nil
	})
}

// UpdateProgress records download progress.
func (m *Machine) UpdateProgress(downloaded, total uint64) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := expectStatus(s, types.StatusDownloading, types.StatusDownloading); err != nil {
			return err
		}
		s.UpdateStatus = Status{
			Kind:            types.StatusDownloading,
			Progress:        Percent(downloaded, total),
			BytesDownloaded: downloaded,
			TotalBytes:      total,
		}
		return nil
	})
}

// StartVerifying moves from downloading to verifying.
func (m *Machine) StartVerifying() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := expectStatus(s, types.StatusVerifying, types.StatusDownloading); err != nil {
			return err
		}
		s.UpdateStatus = Status{Kind: types.StatusVerifying}
		return nil
	})
}

// MarkReady records a verified, installed version as pending.
func (m *Machine) MarkReady(version string) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if version == "" {
			return fmt.Errorf("pending version is required")
		}
		if err := expectStatus(s, types.StatusReadyToSwitch, types.StatusVerifying); err != nil {
			return err
		}
		s.PendingVersion = version
		s.UpdateStatus = Status{Kind: types.StatusReadyToSwitch}
		return nil
	})
}

// MarkFailed ends the current attempt. It is legal from any status and
// always clears the pending version.
func (m *Machine) MarkFailed(reason string) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		s.PendingVersion = ""
		s.UpdateStatus = Status{Kind: types.StatusFailed, Reason: reason}
		return nil
	})
}

// MarkRolledBack points current back at last_good.
func (m *Machine) MarkRolledBack(reason string) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		s.RollBack(reason)
		return nil
	})
}

// CompleteSwitch promotes the pending version to current.
func (m *Machine) CompleteSwitch() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if !s.CompleteSwitch() {
			return ErrNoPendingVersion
		}
		return nil
	})
}

// RecordBootAttempt counts a launch.
func (m *Machine) RecordBootAttempt() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		s.RecordBootAttempt()
		return nil
	})
}

// MarkBootSuccessful resets the failed boot counter.
func (m *Machine) MarkBootSuccessful() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		s.MarkBootSuccessful()
		return nil
	})
}

// SetChannel changes the update channel.
func (m *Machine) SetChannel(ch types.Channel) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if err := ch.Validate(); err != nil {
			return err
		}
		if s.Channel != ch {
			log.Infof("update channel changed from %s to %s", s.Channel, ch)
		}
		s.Channel = ch
		return nil
	})
}

// SetMaxFailedBoots changes the rollback threshold.
func (m *Machine) SetMaxFailedBoots(n uint32) (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		if n == 0 {
			return fmt.Errorf("max failed boots must be at least 1")
		}
		s.MaxFailedBoots = n
		return nil
	})
}

// Reset returns to idle and forgets any pending version.
func (m *Machine) Reset() (*UpdateState, error) {
	return m.update(func(s *UpdateState) error {
		s.PendingVersion = ""
		s.UpdateStatus = Idle()
		return nil
	})
}

// ResumeOffset returns the bytes already downloaded when a download was
// interrupted, or 0.
func (m *Machine) ResumeOffset() uint64 {
	s, err := m.store.Load()
	if err != nil || s.UpdateStatus.Kind != types.StatusDownloading {
		return 0
	}
	return s.UpdateStatus.BytesDownloaded
}

// Percent returns downloaded/total as a percentage, 0 when total is unknown.
func Percent(downloaded, total uint64) float64 {
	if total == 0 {
		return 0
	}
	p := float64(downloaded) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// FailureReason flattens an error into a single line for the failed status.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	return strings.Join(strings.Fields(err.Error()), " ")
}
