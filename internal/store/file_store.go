package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/bcrosbie/gridlink/internal/domain"
)

// MaxFileOutcomes bounds the JSON journal; the oldest entries are dropped.
const MaxFileOutcomes = 500

type fileState struct {
	Outcomes []domain.TrackedOutcome `json:"outcomes"`
}

type FileStore struct {
	path  string
	mu    sync.RWMutex
	state fileState
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:  path,
		state: fileState{Outcomes: []domain.TrackedOutcome{}},
	}
}

func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.Internal("failed to create archive directory", err)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = fileState{Outcomes: []domain.TrackedOutcome{}}
			return s.persistLocked()
		}
		return domain.Internal("failed to read archive file", err)
	}

	var parsed fileState
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Internal("failed to parse archive file", err)
	}
	if parsed.Outcomes == nil {
		parsed.Outcomes = []domain.TrackedOutcome{}
	}
	s.state = parsed
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) RecordOutcome(_ context.Context, outcome domain.TrackedOutcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.TrackedOutcome, 0, len(s.state.Outcomes)+1)
	next = append(next, outcome)
	for _, existing := range s.state.Outcomes {
		if existing.ID == outcome.ID {
			continue
		}
		next = append(next, existing)
	}
	if len(next) > MaxFileOutcomes {
		next = next[:MaxFileOutcomes]
	}
	previous := s.state.Outcomes
	s.state.Outcomes = next
	if err := s.persistLocked(); err != nil {
		s.state.Outcomes = previous
		return err
	}
	return nil
}

func (s *FileStore) ListOutcomes(_ context.Context, limit int) ([]domain.TrackedOutcome, error) {
	limit = normalizeLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit > len(s.state.Outcomes) {
		limit = len(s.state.Outcomes)
	}
	return append([]domain.TrackedOutcome(nil), s.state.Outcomes[:limit]...), nil
}

func (s *FileStore) persistLocked() error {
	serialized, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return domain.Internal("failed to serialize archive", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, append(serialized, '\n'), 0o600); err != nil {
		return domain.Internal("failed to write temporary archive file", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return domain.Internal("failed to atomically persist archive file", err)
	}
	return nil
}
