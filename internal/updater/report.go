package updater

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/state"
)

// Report is the status object printed by every update command: the state
// fields followed by the installed versions and, for status, active locks.
type Report struct {
	State             *state.UpdateState
	InstalledVersions []string
	ActiveLocks       []lock.Info
}

// NewReport builds a report for st from the installed versions.
func (u *Updater) NewReport(st *state.UpdateState) (*Report, error) {
	installed, err := u.versions.ListVersions()
	if err != nil {
		return nil, err
	}
	return &Report{State: st, InstalledVersions: installed}, nil
}

type reportExtra struct {
	InstalledVersions []string    `json:"installed_versions"`
	ActiveLocks       []lock.Info `json:"active_locks,omitempty"`
}

type yamlReport struct {
	State             state.UpdateState `yaml:",inline"`
	InstalledVersions []string          `yaml:"installed_versions"`
	ActiveLocks       []lock.Info       `yaml:"active_locks,omitempty"`
}

func (r Report) extra() reportExtra {
	installed := r.InstalledVersions
	if installed == nil {
		installed = []string{}
	}
	return reportExtra{InstalledVersions: installed, ActiveLocks: r.ActiveLocks}
}

// MarshalJSON flattens the state and the extra fields into one object.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.State == nil {
		return nil, fmt.Errorf("report has no state")
	}
	base, err := json.Marshal(r.State)
	if err != nil {
		return nil, err
	}
	extra, err := json.Marshal(r.extra())
	if err != nil {
		return nil, err
	}

	base = bytes.TrimSuffix(bytes.TrimSpace(base), []byte("}"))
	extra = bytes.TrimPrefix(bytes.TrimSpace(extra), []byte("{"))
	out := make([]byte, 0, len(base)+len(extra)+1)
	out = append(out, base...)
	out = append(out, ',')
	out = append(out, extra...)
	return out, nil
}

// MarshalYAML flattens the state and the extra fields into one mapping.
func (r Report) MarshalYAML() (any, error) {
	if r.State == nil {
		return nil, fmt.Errorf("report has no state")
	}
	extra := r.extra()
	return yamlReport{
		State:             *r.State,
		InstalledVersions: extra.InstalledVersions,
		ActiveLocks:       extra.ActiveLocks,
	}, nil
}
