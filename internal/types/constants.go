// Package types provides type-safe constants shared by the updater packages.
//
// This package centralizes the enumerated values that are persisted to disk
// (state.json, lock files, manifests) so that every reader and writer agrees
// on their spelling.
package types

import (
	"fmt"
	"strings"
)

// Channel represents an update track.
type Channel string

const (
	// ChannelStable receives only stable releases.
	ChannelStable Channel = "stable"
	// ChannelBeta receives beta and stable releases.
	ChannelBeta Channel = "beta"
	// ChannelNightly receives every release.
	ChannelNightly Channel = "nightly"
)

// AllChannels returns all valid channels.
func AllChannels() []Channel {
	return []Channel{ChannelStable, ChannelBeta, ChannelNightly}
}

// Validate checks if the Channel is a valid value.
func (c Channel) Validate() error {
	switch c {
	case ChannelStable, ChannelBeta, ChannelNightly:
		return nil
	case "":
		return fmt.Errorf("channel is required")
	default:
		return fmt.Errorf("invalid channel '%s' (must be stable, beta, or nightly)", c)
	}
}

// String returns the string representation of the Channel.
func (c Channel) String() string {
	return string(c)
}

// Accepts reports whether a release published on the given channel should be
// offered to a user subscribed to c. Channels are ordered stable < beta < nightly
// and a subscriber sees its own channel plus every more stable one.
func (c Channel) Accepts(release Channel) bool {
	return release.rank() <= c.rank() && release.rank() >= 0
}

func (c Channel) rank() int {
	switch c {
	case ChannelStable:
		return 0
	case ChannelBeta:
		return 1
	case ChannelNightly:
		return 2
	default:
		return -1
	}
}

// ParseChannel parses a string into a Channel.
// Returns an error if the string is not a valid channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// LockType identifies an operation guarded by the operation lock manager.
type LockType string

const (
	// LockMigration guards schema migrations.
	LockMigration LockType = "migration"
	// LockBackup guards backup and restore.
	LockBackup LockType = "backup"
	// LockServe is held while the local API server runs.
	LockServe LockType = "serve"
	// LockUpdate guards staging, applying and rolling back versions.
	LockUpdate LockType = "update"
	// LockBranchPreview is held while a branch preview server runs.
	LockBranchPreview LockType = "branch_preview"
)

// AllLockTypes returns all lock types in a stable order.
func AllLockTypes() []LockType {
	return []LockType{LockMigration, LockBackup, LockServe, LockUpdate, LockBranchPreview}
}

// Validate checks if the LockType is a valid value.
func (l LockType) Validate() error {
	switch l {
	case LockMigration, LockBackup, LockServe, LockUpdate, LockBranchPreview:
		return nil
	case "":
		return fmt.Errorf("lock type is required")
	default:
		return fmt.Errorf("invalid lock type '%s' (must be migration, backup, serve, update, or branch_preview)", l)
	}
}

// String returns the string representation of the LockType.
func (l LockType) String() string {
	return string(l)
}

// Filename returns the lock file name for this type.
func (l LockType) Filename() string {
	return string(l) + ".lock"
}

// Description returns the default human readable description of the operation.
func (l LockType) Description() string {
	switch l {
	case LockMigration:
		return "Database migration in progress"
	case LockBackup:
		return "Backup operation in progress"
	case LockServe:
		return "API server running"
	case LockUpdate:
		return "Application update in progress"
	case LockBranchPreview:
		return "Branch preview server active"
	default:
		return string(l)
	}
}

// ParseLockType parses a string into a LockType. Dashes are accepted in place
// of underscores so "branch-preview" works on the command line.
func ParseLockType(s string) (LockType, error) {
	l := LockType(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if err := l.Validate(); err != nil {
		return "", err
	}
	return l, nil
}

// StatusKind is the discriminator of the persisted update status.
type StatusKind string

const (
	StatusIdle          StatusKind = "idle"
	StatusChecking      StatusKind = "checking"
	StatusDownloading   StatusKind = "downloading"
	StatusVerifying     StatusKind = "verifying"
	StatusReadyToSwitch StatusKind = "ready_to_switch"
	StatusFailed        StatusKind = "failed"
	StatusRolledBack    StatusKind = "rolled_back"
)

// AllStatusKinds returns all valid status kinds.
func AllStatusKinds() []StatusKind {
	return []StatusKind{
		StatusIdle, StatusChecking, StatusDownloading, StatusVerifying,
		StatusReadyToSwitch, StatusFailed, StatusRolledBack,
	}
}

// Validate checks if the StatusKind is a valid value.
func (k StatusKind) Validate() error {
	for _, known := range AllStatusKinds() {
		if k == known {
			return nil
		}
	}
	if k == "" {
		return fmt.Errorf("status is required")
	}
	return fmt.Errorf("invalid status '%s'", k)
}

// String returns the string representation of the StatusKind.
func (k StatusKind) String() string {
	return string(k)
}

// IsTerminal returns true for statuses that end an update attempt.
func (k StatusKind) IsTerminal() bool {
	return k == StatusFailed || k == StatusRolledBack
}
