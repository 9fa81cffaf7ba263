// Package local stores automation preferences in a JSON file in the data directory
// and notices when another process edits it.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/chatbridge/internal/defaults"
	"github.com/neboloop/chatbridge/internal/types"
)

// Settings is the on-disk preferences document.
type Settings struct {
	AutoInsert  bool      `json:"autoInsert"`
	AutoSubmit  bool      `json:"autoSubmit"`
	AutoExecute bool      `json:"autoExecute"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// FileStore persists Settings as JSON. It implements toggle.Store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore stores preferences at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFileStore stores preferences in the data directory.
func DefaultFileStore() (*FileStore, error) {
	path, err := defaults.Path(defaults.PreferencesFile)
	if err != nil {
		return nil, err
	}
	return NewFileStore(path), nil
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

// LoadSettings reads the file. A missing file yields zero settings.
func (s *FileStore) LoadSettings() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read preferences: %w", err)
	}
	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return Settings{}, fmt.Errorf("decode preferences %s: %w", s.path, err)
	}
	return st, nil
}

// SaveSettings writes the file atomically.
func (s *FileStore) SaveSettings(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Load(_ context.Context) (types.ToggleState, error) {
	st, err := s.LoadSettings()
	if err != nil {
		return types.ToggleState{}, err
	}
	return types.ToggleState{AutoInsert: st.AutoInsert, AutoSubmit: st.AutoSubmit, AutoExecute: st.AutoExecute}, nil
}

func (s *FileStore) Save(_ context.Context, t types.ToggleState) error {
	return s.SaveSettings(Settings{AutoInsert: t.AutoInsert, AutoSubmit: t.AutoSubmit, AutoExecute: t.AutoExecute})
}

// Watch calls onChange whenever the preferences file is written, created or
// replaced. It watches the parent directory so atomic renames are seen. It blocks
// until ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Debug("watching preferences", "component", "local", "path", s.path)

	name := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("preferences watcher error", "component", "local", "error", err)
		}
	}
}
