// Package persist is the persistence bridge for agent session snapshots.
// Snapshots survive app restarts; restore rebuilds the session store from
// them, since in-process events are never replayed across runs.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/voxd-app/voxd/internal/session"
)

// MaxSnapshots is how many session snapshots are kept; older ones are
// trimmed on save.
const MaxSnapshots = 50

// Bridge is the snapshot persistence contract consumed by the orchestrator.
type Bridge interface {
	Save(s *session.Session) error
	LoadAll() ([]*session.Session, error)
	Clear(id string) error
}

// FileStore persists one JSON file per session under a base directory.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a snapshot store rooted at dir, creating it if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileStore{baseDir: dir}, nil
}

// Save writes the session snapshot to disk and trims old snapshots past
// MaxSnapshots.
func (fs *FileStore) Save(s *session.Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(fs.baseDir, s.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return fs.trimLocked()
}

// LoadAll reads every snapshot, skipping unparseable files, ordered by
// creation time ascending.
func (fs *FileStore) LoadAll() ([]*session.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	sessions := make([]*session.Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		var s session.Session
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			continue // skip invalid snapshot files
		}
		sessions = append(sessions, &s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Clear removes the snapshot for id. Clearing a missing snapshot is a
// no-op.
func (fs *FileStore) Clear(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := filepath.Join(fs.baseDir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// trimLocked keeps the MaxSnapshots most recently modified snapshot files.
func (fs *FileStore) trimLocked() error {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil
	}

	type fileInfo struct {
		name string
		mod  int64
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: entry.Name(), mod: info.ModTime().UnixNano()})
	}

	if len(files) <= MaxSnapshots {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	for _, f := range files[MaxSnapshots:] {
		_ = os.Remove(filepath.Join(fs.baseDir, f.name))
	}
	return nil
}
