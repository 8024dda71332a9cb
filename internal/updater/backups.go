package updater

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/backup"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
)

// Backups lists the saved copies of state.json, newest first.
func (u *Updater) Backups() ([]backup.Info, error) {
	return u.backups.List()
}

// snapshotState copies state.json into the backups directory and prunes old
// copies. The caller holds the update lock.
func (u *Updater) snapshotState() error {
	info, err := u.backups.Create(u.machine.Store().Path())
	if err != nil {
		return fmt.Errorf("failed to back up state: %w", err)
	}
	if info == nil {
		return nil
	}
	log.WithField("backup", info.ID).Debug("Saved state backup")

	if _, err := u.backups.Prune(backup.DefaultKeepCount); err != nil {
		log.WithError(err).Warn("Failed to prune state backups")
	}
	return nil
}

// RestoreState replaces state.json with the backup id, or the newest one for
// backup.Latest. The backup must parse, and the state it replaces is backed
// up first.
func (u *Updater) RestoreState(id string) (*state.UpdateState, error) {
	guard, err := u.locks.Acquire(types.LockUpdate, lock.WithDescription("Restoring update state"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = guard.Release() }()

	info, data, err := u.backups.Get(id)
	if err != nil {
		return nil, err
	}
	store := u.machine.Store()
	st, err := store.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("backup %s is not a valid state file: %w", info.ID, err)
	}

	if err := u.snapshotState(); err != nil {
		return nil, err
	}
	if err := store.Save(st); err != nil {
		return nil, err
	}
	log.WithField("backup", info.ID).Info("Restored update state")
	return st, nil
}
