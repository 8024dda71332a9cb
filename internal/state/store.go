package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/adamancini/airdb/internal/atomicfile"
)

// Operations reported by StateError.
const (
	OpRead      = "read"
	OpWrite     = "write"
	OpParse     = "parse"
	OpSerialize = "serialize"
)

// StateError reports a failure loading or saving state.json. A failed write
// never leaves a partially written file behind.
type StateError struct {
	Op   string
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("failed to %s state %s: %v", e.Op, e.Path, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a parse failure of the state file.
func IsCorrupt(err error) bool {
	var se *StateError
	return errors.As(err, &se) && se.Op == OpParse
}

// Store reads and writes state.json.
type Store struct {
	path    string
	builtin string
}

// NewStore creates a store for path. builtin is the version assumed when no
// state exists yet.
func NewStore(path, builtin string) *Store {
	return &Store{path: path, builtin: builtin}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Builtin returns the version assumed on first run.
func (s *Store) Builtin() string { return s.builtin }

// Load reads the state. A missing file yields the defaults.
func (s *Store) Load() (*UpdateState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(s.builtin), nil
		}
		return nil, &StateError{Op: OpRead, Path: s.path, Err: err}
	}

	return s.Decode(data)
}

// Decode parses state file contents and fills in missing fields.
func (s *Store) Decode(data []byte) (*UpdateState, error) {
	var st UpdateState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &StateError{Op: OpParse, Path: s.path, Err: err}
	}
	st.normalize(s.builtin)
	return &st, nil
}

// Save writes the state atomically.
func (s *Store) Save(st *UpdateState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &StateError{Op: OpSerialize, Path: s.path, Err: err}
	}
	data = append(data, '\n')

	if err := atomicfile.Write(s.path, data, 0644); err != nil {
		return &StateError{Op: OpWrite, Path: s.path, Err: err}
	}
	return nil
}
