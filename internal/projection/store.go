// Package projection holds the client-side copy of server state that the push
// channel keeps current: network statistics, the model set, the account
// balance and the recent-jobs feed.
package projection

import (
	"errors"
	"sync"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/protocol"
)

const DefaultCapacity = 10

// ErrStaleUpdate is returned by Apply when a job_update would move a job
// backwards along PENDING -> RUNNING -> {COMPLETED, FAILED}.
var ErrStaleUpdate = errors.New("stale job update")

type Options struct {
	// Capacity bounds the recent-jobs feed. Zero means DefaultCapacity.
	Capacity int
	// Monotonic rejects job_update frames that regress a job's status.
	// With it off the last write wins.
	Monotonic bool
}

// Snapshot is an immutable copy of the projections. Callers must not modify
// the slices or the values behind the pointers.
type Snapshot struct {
	Stats   *domain.NetworkStats `json:"stats"`
	Models  []domain.ModelInfo   `json:"models"`
	Balance *float64             `json:"balance"`
	Jobs    []domain.Job         `json:"jobs"`
	Loading bool                 `json:"loading"`
	Version uint64               `json:"version"`
}

func (s Snapshot) HasModel(name string) bool {
	for _, model := range s.Models {
		if model.Name == name {
			return true
		}
	}
	return false
}

func (s Snapshot) FirstModel() (string, bool) {
	if len(s.Models) == 0 {
		return "", false
	}
	return s.Models[0].Name, true
}

func (s Snapshot) Job(id int64) (domain.Job, bool) {
	for _, job := range s.Jobs {
		if job.ID == id {
			return job, true
		}
	}
	return domain.Job{}, false
}

// Store is written by the dispatcher only and read through Snapshot.
type Store struct {
	capacity  int
	monotonic bool

	mu      sync.RWMutex
	stats   *domain.NetworkStats
	models  []domain.ModelInfo
	balance *float64
	jobs    []domain.Job
	loading bool
	version uint64

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
}

func NewStore(opts Options) *Store {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		monotonic: opts.Monotonic,
		models:    []domain.ModelInfo{},
		jobs:      []domain.Job{},
		loading:   true,
		subs:      map[int]func(Snapshot){},
	}
}

func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Models:  append([]domain.ModelInfo(nil), s.models...),
		Jobs:    append([]domain.Job(nil), s.jobs...),
		Loading: s.loading,
		Version: s.version,
	}
	if s.stats != nil {
		stats := *s.stats
		snap.Stats = &stats
	}
	if s.balance != nil {
		balance := *s.balance
		snap.Balance = &balance
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// SeedBalance applies the profile balance. It has no effect once any balance
// is known, so a stream value is never overwritten by the profile.
func (s *Store) SeedBalance(value float64) bool {
	return s.mutate(func() bool {
		if s.balance != nil {
			return false
		}
		s.balance = &value
		return true
	})
}

func (s *Store) SetLoading(loading bool) {
	s.mutate(func() bool {
		if s.loading == loading {
			return false
		}
		s.loading = loading
		return true
	})
}

// ResetAccount drops the per-user projections after a credential change.
// Public projections stay until the server replaces them.
func (s *Store) ResetAccount() {
	s.mutate(func() bool {
		s.balance = nil
		s.jobs = []domain.Job{}
		s.loading = true
		return true
	})
}

// Apply folds one decoded frame into the projections.
func (s *Store) Apply(frame protocol.Frame) error {
	var applyErr error
	s.mutate(func() bool {
		switch f := frame.(type) {
		case protocol.StatsUpdate:
			stats := f.Stats
			s.stats = &stats
		case protocol.ModelsUpdate:
			s.models = dedupeModels(f.Models)
		case protocol.BalanceUpdate:
			balance := f.Balance
			s.balance = &balance
		case protocol.JobsUpdate:
			s.jobs = snapshotFeed(f.Jobs, s.capacity)
		case protocol.JobUpdate:
			next, err := s.upsertLocked(f.Job)
			if err != nil {
				applyErr = err
				return false
			}
			s.jobs = next
		default:
			applyErr = protocol.ErrUnknownType
			return false
		}
		return true
	})
	return applyErr
}

func (s *Store) upsertLocked(job domain.Job) ([]domain.Job, error) {
	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		if s.monotonic && regresses(s.jobs[i].Status, job.Status) {
			return nil, ErrStaleUpdate
		}
		next := append([]domain.Job(nil), s.jobs...)
		next[i] = job
		return next, nil
	}

	size := len(s.jobs) + 1
	if size > s.capacity {
		size = s.capacity
	}
	next := make([]domain.Job, 0, size)
	next = append(next, job)
	next = append(next, s.jobs...)
	if len(next) > s.capacity {
		next = next[:s.capacity]
	}
	return next, nil
}

func (s *Store) mutate(change func() bool) bool {
	s.mu.Lock()
	if !change() {
		s.mu.Unlock()
		return false
	}
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
	return true
}

// regresses reports whether moving from current to incoming goes backwards.
// A terminal job accepts only its own status again.
func regresses(current, incoming domain.JobStatus) bool {
	if current.IsTerminal() {
		return incoming != current
	}
	return incoming.Rank() < current.Rank()
}

func dedupeModels(models []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for _, model := range models {
		if _, ok := seen[model.Name]; ok {
			continue
		}
		seen[model.Name] = struct{}{}
		out = append(out, model)
	}
	return out
}

func snapshotFeed(jobs []domain.Job, capacity int) []domain.Job {
	out := make([]domain.Job, 0, min(len(jobs), capacity))
	seen := make(map[int64]struct{}, len(jobs))
	for _, job := range jobs {
		if len(out) == capacity {
			break
		}
		if _, ok := seen[job.ID]; ok {
			continue
		}
		seen[job.ID] = struct{}{}
		out = append(out, job)
	}
	return out
}
