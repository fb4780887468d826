// Package cache persists resumption tokens across client restarts.
//
// The stream protocol replays only events after a last-seen event id, so a
// client that restarts mid-job can pick the stream back up without the
// server regenerating from scratch. The store is a small msgpack-encoded
// map on disk; entries for terminal jobs are pruned.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the persisted state for one job.
type Entry struct {
	// ResumeToken is the id of the last successfully processed event.
	ResumeToken string `msgpack:"resume_token"`
	// StreamURL allows re-opening the stream without re-asking the API.
	StreamURL string `msgpack:"stream_url"`
	// CancelURL allows canceling a resumed job.
	CancelURL string `msgpack:"cancel_url"`
	// UpdatedAt is when the entry was last written.
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Store is an on-disk job-id → Entry map. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// Open loads the store at path, creating an empty one if the file does
// not exist. A corrupt file is an error; the caller decides whether to
// discard it.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := msgpack.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("cache: corrupt store %s: %w", path, err)
	}
	return s, nil
}

// Get returns the entry for a job id.
func (s *Store) Get(jobID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	return e, ok
}

// Put stores an entry and flushes to disk.
func (s *Store) Put(jobID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.UpdatedAt = time.Now().UTC()
	s.entries[jobID] = e
	return s.flushLocked()
}

// Delete removes a job's entry and flushes. Deleting an absent id is a
// no-op.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jobID]; !ok {
		return nil
	}
	delete(s.entries, jobID)
	return s.flushLocked()
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// flushLocked writes the map atomically: temp file in the same directory,
// then rename. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	data, err := msgpack.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".inkwell-cache-*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

// DefaultPath returns the conventional cache location under the user
// cache dir, falling back to the working directory when unavailable.
func DefaultPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".inkwell-resume.msgpack"
	}
	return filepath.Join(base, "inkwell", "resume.msgpack")
}
