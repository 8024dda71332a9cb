// Package state holds the persisted update state and the transitions that
// move it through an update.
//
// The state lives in a single state.json shared by the bootstrapper, the
// running application and the CLI. Every transition reloads the file,
// checks the move is legal, applies it and writes the result back with a
// temp-file rename before returning.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adamancini/airdb/internal/types"
)

const (
	// SchemaVersion is the layout version written to state_version.
	SchemaVersion = 1
	// DefaultMaxFailedBoots is the number of unconfirmed launches that
	// trigger a rollback.
	DefaultMaxFailedBoots = 3
)

// Status is the tagged update status. Only the fields belonging to Kind are
// serialized.
type Status struct {
	Kind            types.StatusKind
	Progress        float64
	BytesDownloaded uint64
	TotalBytes      uint64
	Reason          string
}

// Idle returns the resting status.
func Idle() Status { return Status{Kind: types.StatusIdle} }

func (s Status) String() string {
	switch s.Kind {
	case types.StatusDownloading:
		return fmt.Sprintf("downloading (%.1f%%, %d/%d bytes)", s.Progress, s.BytesDownloaded, s.TotalBytes)
	case types.StatusFailed, types.StatusRolledBack:
		return fmt.Sprintf("%s: %s", s.Kind, s.Reason)
	default:
		return s.Kind.String()
	}
}

type downloadingWire struct {
	Status          types.StatusKind `json:"status" yaml:"status"`
	Progress        float64          `json:"progress" yaml:"progress"`
	BytesDownloaded uint64           `json:"bytes_downloaded" yaml:"bytes_downloaded"`
	TotalBytes      uint64           `json:"total_bytes" yaml:"total_bytes"`
}

type reasonWire struct {
	Status types.StatusKind `json:"status" yaml:"status"`
	Reason string           `json:"reason" yaml:"reason"`
}

type kindWire struct {
	Status types.StatusKind `json:"status" yaml:"status"`
}

// fields returns the wire form of the status.
func (s Status) fields() any {
	switch s.Kind {
	case types.StatusDownloading:
		return downloadingWire{s.Kind, s.Progress, s.BytesDownloaded, s.TotalBytes}
	case types.StatusFailed, types.StatusRolledBack:
		return reasonWire{s.Kind, s.Reason}
	default:
		return kindWire{s.Kind}
	}
}

// MarshalJSON encodes the status as {"status": "<kind>", ...fields}.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields())
}

// MarshalYAML renders the same shape as the JSON form.
func (s Status) MarshalYAML() (any, error) {
	return s.fields(), nil
}

// UnmarshalJSON decodes the tagged form.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status          types.StatusKind `json:"status"`
		Progress        float64          `json:"progress"`
		BytesDownloaded uint64           `json:"bytes_downloaded"`
		TotalBytes      uint64           `json:"total_bytes"`
		Reason          string           `json:"reason"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := raw.Status.Validate(); err != nil {
		return err
	}

	*s = Status{Kind: raw.Status}
	switch raw.Status {
	case types.StatusDownloading:
		s.Progress = raw.Progress
		s.BytesDownloaded = raw.BytesDownloaded
		s.TotalBytes = raw.TotalBytes
	case types.StatusFailed, types.StatusRolledBack:
		s.Reason = raw.Reason
	}
	return nil
}

// UpdateState is the durable update record.
type UpdateState struct {
	StateVersion    int           `json:"state_version" yaml:"state_version"`
	CurrentVersion  string        `json:"current_version" yaml:"current_version"`
	PendingVersion  string        `json:"pending_version" yaml:"pending_version"`
	LastGoodVersion string        `json:"last_good_version" yaml:"last_good_version"`
	UpdateStatus    Status        `json:"update_status" yaml:"update_status"`
	LastCheck       *time.Time    `json:"last_check" yaml:"last_check"`
	Channel         types.Channel `json:"channel" yaml:"channel"`
	FailedBootCount uint32        `json:"failed_boot_count" yaml:"failed_boot_count"`
	MaxFailedBoots  uint32        `json:"max_failed_boots" yaml:"max_failed_boots"`
}

// wireState mirrors UpdateState with pending_version as a nullable field.
type wireState struct {
	StateVersion    int           `json:"state_version"`
	CurrentVersion  string        `json:"current_version"`
	PendingVersion  *string       `json:"pending_version"`
	LastGoodVersion string        `json:"last_good_version"`
	UpdateStatus    Status        `json:"update_status"`
	LastCheck       *time.Time    `json:"last_check"`
	Channel         types.Channel `json:"channel"`
	FailedBootCount uint32        `json:"failed_boot_count"`
	MaxFailedBoots  uint32        `json:"max_failed_boots"`
}

// MarshalJSON writes an absent pending version as null.
func (s UpdateState) MarshalJSON() ([]byte, error) {
	w := wireState{
		StateVersion:    s.StateVersion,
		CurrentVersion:  s.CurrentVersion,
		LastGoodVersion: s.LastGoodVersion,
		UpdateStatus:    s.UpdateStatus,
		LastCheck:       s.LastCheck,
		Channel:         s.Channel,
		FailedBootCount: s.FailedBootCount,
		MaxFailedBoots:  s.MaxFailedBoots,
	}
	if s.PendingVersion != "" {
		pending := s.PendingVersion
		w.PendingVersion = &pending
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire form. Missing status decodes as idle.
func (s *UpdateState) UnmarshalJSON(data []byte) error {
	w := wireState{UpdateStatus: Idle()}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = UpdateState{
		StateVersion:    w.StateVersion,
		CurrentVersion:  w.CurrentVersion,
		LastGoodVersion: w.LastGoodVersion,
		UpdateStatus:    w.UpdateStatus,
		LastCheck:       w.LastCheck,
		Channel:         w.Channel,
		FailedBootCount: w.FailedBootCount,
		MaxFailedBoots:  w.MaxFailedBoots,
	}
	if w.PendingVersion != nil {
		s.PendingVersion = *w.PendingVersion
	}
	return nil
}

// Default returns the first-run state for the given built-in version.
func Default(builtin string) *UpdateState {
	return &UpdateState{
		StateVersion:    SchemaVersion,
		CurrentVersion:  builtin,
		LastGoodVersion: builtin,
		UpdateStatus:    Idle(),
		Channel:         types.ChannelStable,
		MaxFailedBoots:  DefaultMaxFailedBoots,
	}
}

// normalize fills fields that older or hand-edited files may lack.
func (s *UpdateState) normalize(builtin string) {
	if s.StateVersion == 0 {
		s.StateVersion = SchemaVersion
	}
	if s.CurrentVersion == "" {
		s.CurrentVersion = builtin
	}
	if s.LastGoodVersion == "" {
		s.LastGoodVersion = s.CurrentVersion
	}
	if s.UpdateStatus.Kind == "" {
		s.UpdateStatus = Idle()
	}
	if s.Channel == "" {
		s.Channel = types.ChannelStable
	}
	if s.MaxFailedBoots == 0 {
		s.MaxFailedBoots = DefaultMaxFailedBoots
	}
}

// Clone returns a deep copy.
func (s *UpdateState) Clone() *UpdateState {
	c := *s
	if s.LastCheck != nil {
		t := *s.LastCheck
		c.LastCheck = &t
	}
	return &c
}

// HasPendingUpdate reports whether a verified version awaits the next launch.
func (s *UpdateState) HasPendingUpdate() bool {
	return s.UpdateStatus.Kind == types.StatusReadyToSwitch && s.PendingVersion != ""
}

// ShouldRollback reports whether the failed boot counter has reached the limit.
func (s *UpdateState) ShouldRollback() bool {
	return ShouldRollback(s.FailedBootCount, s.MaxFailedBoots)
}

// ShouldRollback is the rollback predicate: count >= limit.
func ShouldRollback(count, limit uint32) bool {
	return count >= limit
}

// RecordBootAttempt counts a launch that has not yet confirmed health and
// reports whether the counter reached the rollback limit.
func (s *UpdateState) RecordBootAttempt() bool {
	s.FailedBootCount++
	return s.ShouldRollback()
}

// RollBack points current at last_good, drops any pending version and
// resets the counter.
func (s *UpdateState) RollBack(reason string) {
	s.CurrentVersion = s.LastGoodVersion
	s.PendingVersion = ""
	s.FailedBootCount = 0
	s.UpdateStatus = Status{Kind: types.StatusRolledBack, Reason: reason}
}

// CompleteSwitch promotes the pending version: the old current becomes
// last_good and the counter resets. It reports false when nothing is pending.
func (s *UpdateState) CompleteSwitch() bool {
	if s.PendingVersion == "" {
		return false
	}
	s.LastGoodVersion = s.CurrentVersion
	s.CurrentVersion = s.PendingVersion
	s.PendingVersion = ""
	s.UpdateStatus = Idle()
	s.FailedBootCount = 0
	return true
}

// MarkBootSuccessful resets the counter. A staged update stays staged.
func (s *UpdateState) MarkBootSuccessful() {
	s.FailedBootCount = 0
	if s.UpdateStatus.Kind != types.StatusReadyToSwitch {
		s.UpdateStatus = Idle()
	}
}

// ClearPending drops the pending version and returns to idle if the
// status referred to it.
func (s *UpdateState) ClearPending() {
	s.PendingVersion = ""
	if s.UpdateStatus.Kind == types.StatusReadyToSwitch {
		s.UpdateStatus = Idle()
	}
}
