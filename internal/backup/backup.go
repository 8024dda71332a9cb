// Package backup keeps timestamped copies of the update state file so a reset
// or restore can be undone.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adamancini/airdb/internal/atomicfile"
)

// DefaultKeepCount is the default number of snapshots to retain.
const DefaultKeepCount = 10

// Latest selects the most recent snapshot in Get.
const Latest = "latest"

const (
	idLayout   = "2006-01-02-150405.000"
	filePrefix = "state-"
	fileSuffix = ".json"
)

// ErrNotFound is returned for an unknown snapshot ID.
var ErrNotFound = errors.New("backup not found")

// Info describes one snapshot.
type Info struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Size      int64     `json:"size" yaml:"size"`
}

// Manager handles snapshots in one directory.
type Manager struct {
	dir string
	now func() time.Time
}

// NewManager creates a manager for dir. The directory is created on the
// first snapshot.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, filePrefix+id+fileSuffix)
}

// Create copies src into a new snapshot. The contents are stored as-is, so
// an unparseable state file can be kept too. A missing src is not an error
// and yields nil.
func (m *Manager) Create(src string) (*Info, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := m.now().UTC()
	id := now.Format(idLayout)
	for n := 1; ; n++ {
		if _, err := os.Stat(m.path(id)); os.IsNotExist(err) {
			break
		}
		id = fmt.Sprintf("%s-%d", now.Format(idLayout), n)
	}

	if err := atomicfile.Write(m.path(id), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	return &Info{ID: id, CreatedAt: now, Size: int64(len(data))}, nil
}

// List returns all snapshots, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	backups := []Info{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		created, err := time.Parse(idLayout, idStamp(id))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{ID: id, CreatedAt: created, Size: info.Size()})
	}

	sort.SliceStable(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return collision(backups[i].ID) > collision(backups[j].ID)
	})
	return backups, nil
}

// idStamp strips the collision counter from an ID.
func idStamp(id string) string {
	if len(id) > len(idLayout) {
		return id[:len(idLayout)]
	}
	return id
}

func collision(id string) int {
	var n int
	if len(id) > len(idLayout)+1 {
		_, _ = fmt.Sscanf(id[len(idLayout)+1:], "%d", &n)
	}
	return n
}

// Get returns the contents of a snapshot. Use Latest for the most recent.
func (m *Manager) Get(id string) (*Info, []byte, error) {
	if id == Latest {
		backups, err := m.List()
		if err != nil {
			return nil, nil, err
		}
		if len(backups) == 0 {
			return nil, nil, fmt.Errorf("%w: no backups in %s", ErrNotFound, m.dir)
		}
		id = backups[0].ID
	}

	if strings.ContainsAny(id, `/\`) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("failed to read backup: %w", err)
	}
	created, _ := time.Parse(idLayout, idStamp(id))
	return &Info{ID: id, CreatedAt: created, Size: int64(len(data))}, data, nil
}

// Delete removes a snapshot.
func (m *Manager) Delete(id string) error {
	if err := os.Remove(m.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}
