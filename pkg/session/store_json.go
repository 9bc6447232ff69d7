package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	activeFile = "sessions.json"
	closedFile = "closed_sessions.json"
)

// JSONStore keeps sessions in two JSON files under one directory. Every
// write goes to a temp file that is synced and renamed over the original.
// Operations are serialized within the process; use SQLiteStore when
// several processes share the data directory.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates the directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func readJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []T{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return []T{}, nil
	}

	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

func writeJSON[T any](path string, records []T) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *JSONStore) loadActive() ([]*Session, error) {
	return readJSON[*Session](s.path(activeFile))
}

func (s *JSONStore) loadClosed() ([]*ClosedSession, error) {
	return readJSON[*ClosedSession](s.path(closedFile))
}

func indexOf(sessions []*Session, id string) int {
	for i, sess := range sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}

func (s *JSONStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return err
	}
	if indexOf(active, sess.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sess.ID)
	}

	cp := *sess
	return writeJSON(s.path(activeFile), append(active, &cp))
}

func (s *JSONStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return nil, err
	}
	if i := indexOf(active, id); i >= 0 {
		return active[i], nil
	}
	return nil, ErrNotFound
}

func (s *JSONStore) List(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return nil, err
	}
	sortSessions(active)
	return active, nil
}

func (s *JSONStore) UpdateTag(_ context.Context, id, tag string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return nil, err
	}
	i := indexOf(active, id)
	if i < 0 {
		return nil, ErrNotFound
	}

	active[i].Tag = tag
	if err := writeJSON(s.path(activeFile), active); err != nil {
		return nil, err
	}
	updated := *active[i]
	return &updated, nil
}

// Archive writes the closed file before rewriting the active file, so a
// crash in between leaves the session in both files rather than neither.
// Loading tolerates that state: the closed record wins on the next Archive.
func (s *JSONStore) Archive(_ context.Context, closed *ClosedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return err
	}
	i := indexOf(active, closed.ID)
	if i < 0 {
		return ErrNotFound
	}

	archived, err := s.loadClosed()
	if err != nil {
		return err
	}
	alreadyArchived := false
	for _, c := range archived {
		if c.ID == closed.ID {
			alreadyArchived = true
			break
		}
	}
	if !alreadyArchived {
		cp := *closed
		if err := writeJSON(s.path(closedFile), append(archived, &cp)); err != nil {
			return err
		}
	}

	remaining := append(active[:i:i], active[i+1:]...)
	return writeJSON(s.path(activeFile), remaining)
}

func (s *JSONStore) GetClosed(_ context.Context, id string) (*ClosedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived, err := s.loadClosed()
	if err != nil {
		return nil, err
	}
	for _, c := range archived {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *JSONStore) ListClosed(_ context.Context) ([]*ClosedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived, err := s.loadClosed()
	if err != nil {
		return nil, err
	}
	sortClosed(archived)
	return archived, nil
}

func (s *JSONStore) Close() error {
	return nil
}
