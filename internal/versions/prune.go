package versions

import (
	"fmt"

	"github.com/adamancini/airdb/internal/semver"
)

// DefaultKeepCount is the default number of installed versions to retain.
const DefaultKeepCount = 3

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted []string
	Kept    []string
}

// Prune removes the oldest installed versions, keeping the newest keep
// versions. The version current points at and any protected version are
// always kept and do not count against keep.
func (m *Manager) Prune(keep int, protected ...string) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	installed, err := m.ListVersions()
	if err != nil {
		return nil, err
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}
	pinned := map[string]bool{}
	if current != "" {
		pinned[current] = true
	}
	for _, v := range protected {
		if v != "" {
			pinned[v] = true
		}
	}

	result := &PruneResult{}
	kept := 0
	// Newest first.
	for i := len(installed) - 1; i >= 0; i-- {
		v := installed[i]
		switch {
		case pinned[v]:
			result.Kept = append(result.Kept, v)
		case kept < keep:
			kept++
			result.Kept = append(result.Kept, v)
		default:
			if err := m.RemoveVersion(v); err != nil {
				return result, fmt.Errorf("failed to delete version %s: %w", v, err)
			}
			result.Deleted = append(result.Deleted, v)
		}
	}

	semver.Sort(result.Kept)
	semver.Sort(result.Deleted)
	return result, nil
}
