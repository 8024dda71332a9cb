package backup

import (
	"fmt"
)

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted []Info
	Kept    int
}

// Prune removes old snapshots, keeping only the most recent keep.
func (m *Manager) Prune(keep int) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	backups, err := m.List()
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}

	// List is newest first
	if len(backups) <= keep {
		result.Kept = len(backups)
		return result, nil
	}

	result.Kept = keep
	for _, b := range backups[keep:] {
		if err := m.Delete(b.ID); err != nil {
			return nil, fmt.Errorf("failed to delete backup %s: %w", b.ID, err)
		}
		result.Deleted = append(result.Deleted, b)
	}

	return result, nil
}
