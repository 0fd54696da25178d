// Package cache persists the job data of finished pipelines between runs.
// The whole project cache is loaded into memory at startup and written back
// through a Backend on Flush.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/waabox/cilens/internal/domain"
)

const fileVersion = 1

// ErrNotTerminal is returned by Put for pipelines that can still change.
var ErrNotTerminal = errors.New("pipeline status is not terminal")

// Entry is the cached state of one pipeline.
type Entry struct {
	Status domain.PipelineStatus `json:"status"`
	Jobs   []domain.Job          `json:"jobs"`
}

// Outcome describes the result of a Lookup.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	// Stale means an entry existed but its status disagreed with the live one.
	// The entry is dropped.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

type file struct {
	Version   int              `json:"version"`
	Pipelines map[string]Entry `json:"pipelines"`
}

// Store is an in-memory view of a project's cache. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	backend Backend
	entries map[string]Entry
	dirty   bool
}

// New creates an empty store backed by b. Call Load to read persisted entries.
func New(b Backend) *Store {
	return &Store{
		backend: b,
		entries: make(map[string]Entry),
	}
}

// Load replaces the in-memory entries with the persisted ones.
// A missing backing file yields an empty cache. A corrupted one is logged and
// also yields an empty cache; only I/O failures are returned.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Read()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	s.dirty = false

	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil || f.Version != fileVersion {
		log.Ctx(ctx).Warn().Err(err).Int("version", f.Version).Msg("discarding unreadable cache")
		s.dirty = true
		return nil
	}
	dropped := 0
	for id, e := range f.Pipelines {
		if !e.Status.IsTerminal() {
			dropped++
			continue
		}
		s.entries[id] = e
	}
	if dropped > 0 {
		log.Ctx(ctx).Warn().Int("entries", dropped).Msg("discarding non-terminal cache entries")
		s.dirty = true
	}
	log.Ctx(ctx).Debug().Int("entries", len(s.entries)).Msg("cache loaded")
	return nil
}

// Get returns the entry cached for a pipeline.
func (s *Store) Get(pipelineID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineID]
	return e, ok
}

// Lookup returns the cached jobs for a pipeline whose live status is observed.
// The entry is used only when its status equals observed; otherwise it is
// removed so the refetched data replaces it.
func (s *Store) Lookup(pipelineID string, observed domain.PipelineStatus) ([]domain.Job, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineID]
	if !ok {
		return nil, Miss
	}
	if e.Status != observed || !observed.IsTerminal() {
		delete(s.entries, pipelineID)
		s.dirty = true
		return nil, Stale
	}
	jobs := make([]domain.Job, len(e.Jobs))
	copy(jobs, e.Jobs)
	return jobs, Hit
}

// Put stores the jobs of a finished pipeline, replacing any previous entry.
func (s *Store) Put(pipelineID string, e Entry) error {
	if !e.Status.IsTerminal() {
		return fmt.Errorf("caching pipeline %s (%s): %w", pipelineID, e.Status, ErrNotTerminal)
	}
	jobs := make([]domain.Job, len(e.Jobs))
	copy(jobs, e.Jobs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pipelineID] = Entry{Status: e.Status, Jobs: jobs}
	s.dirty = true
	return nil
}

// Len returns the number of cached pipelines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every entry and removes the backing storage.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	s.dirty = false
	return s.backend.Remove()
}

// Flush writes the entries to the backend if anything changed since the last
// Load or Flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	data, err := json.Marshal(file{Version: fileVersion, Pipelines: s.entries})
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	if err := s.backend.Write(data); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
