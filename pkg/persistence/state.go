package persistence

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// DefaultStateFile is the state file name inside the client state directory.
const DefaultStateFile = "client-state.json"

// ClientState contains the runtime state of the client that must survive
// restarts but is not part of any credential record.
type ClientState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// DefaultAnchor is the fingerprint of the anchor used when a command
	// does not name one.
	DefaultAnchor string `json:"default_anchor,omitempty"`

	// Anchors holds renewal bookkeeping keyed by anchor fingerprint.
	Anchors map[string]AnchorState `json:"anchors,omitempty"`
}

// AnchorState is the renewal bookkeeping for one trust anchor.
type AnchorState struct {
	// ConsecutiveFailures counts connection-class renewal failures since
	// the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastFailure is when the last failure was recorded.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LastSuccess is when the last renewal completed.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastError is the message of the last failure.
	LastError string `json:"last_error,omitempty"`
}

// Fingerprints returns the anchors with recorded state, sorted.
func (s *ClientState) Fingerprints() []string {
	out := make([]string, 0, len(s.Anchors))
	for fp := range s.Anchors {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

// StateStore manages persistence of client state to a JSON file.
type StateStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string

	// updateMu serializes read-modify-write cycles.
	updateMu sync.Mutex
}

// NewStateStore creates a state store on the OS filesystem.
func NewStateStore(path string) *StateStore {
	return NewStateStoreFs(afero.NewOsFs(), path)
}

// NewStateStoreFs creates a state store on fs.
func NewStateStoreFs(fs afero.Fs, path string) *StateStore {
	return &StateStore{fs: fs, path: path}
}

// Path returns the state file path.
func (s *StateStore) Path() string { return s.path }

// Save persists the state. The file is replaced atomically.
func (s *StateStore) Save(state *ClientState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

// Load reads the state from disk.
// Returns an empty state if the file doesn't exist.
func (s *StateStore) Load() (*ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return &ClientState{Version: StateVersion, Anchors: map[string]AnchorState{}}, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ClientState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Anchors == nil {
		state.Anchors = map[string]AnchorState{}
	}
	return state, nil
}

// Update loads the state, applies fn and saves the result.
func (s *StateStore) Update(fn func(*ClientState)) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	state, err := s.Load()
	if err != nil {
		return err
	}
	fn(state)
	return s.Save(state)
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
