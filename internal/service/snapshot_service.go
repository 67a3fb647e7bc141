package service

import (
	"context"
	"strings"
	"time"

	"github.com/bcrosbie/gridlink/internal/channel"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/projection"
)

const maxOutcomeLimit = 500

var knownStatuses = map[domain.JobStatus]struct{}{
	domain.StatusPending:   {},
	domain.StatusRunning:   {},
	domain.StatusCompleted: {},
	domain.StatusFailed:    {},
}

// View is the read side of the engine.
type View interface {
	Snapshot() projection.Snapshot
	Phase() channel.Phase
}

type OutcomeLister interface {
	ListOutcomes(ctx context.Context, limit int) ([]domain.TrackedOutcome, error)
}

type SnapshotService struct {
	view      View
	outcomes  OutcomeLister
	archive   string
	startedAt time.Time
}

func NewSnapshotService(view View, outcomes OutcomeLister, archive string) *SnapshotService {
	return &SnapshotService{
		view:      view,
		outcomes:  outcomes,
		archive:   strings.TrimSpace(archive),
		startedAt: time.Now().UTC(),
	}
}

type Health struct {
	Status     string `json:"status"`
	Phase      string `json:"phase"`
	Live       bool   `json:"live"`
	Version    uint64 `json:"version"`
	FeedLength int    `json:"feed_length"`
	Archive    string `json:"archive"`
	StartedAt  string `json:"started_at"`
	TimeUTC    string `json:"time_utc"`
}

type RecentJobsRequest struct {
	Limit  int64  `json:"limit"`
	Status string `json:"status"`
}

type ListOutcomesRequest struct {
	Limit int64 `json:"limit"`
}

func (s *SnapshotService) Health() Health {
	snap := s.view.Snapshot()
	phase := s.view.Phase()
	status := "ok"
	if phase != channel.PhaseOpen {
		status = "degraded"
	}
	return Health{
		Status:     status,
		Phase:      phase.String(),
		Live:       phase == channel.PhaseOpen,
		Version:    snap.Version,
		FeedLength: len(snap.Jobs),
		Archive:    s.archive,
		StartedAt:  s.startedAt.Format(time.RFC3339Nano),
		TimeUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (s *SnapshotService) Snapshot() projection.Snapshot {
	return s.view.Snapshot()
}

// RecentJobs returns the feed newest first, optionally filtered by status.
// A zero limit returns the whole feed.
func (s *SnapshotService) RecentJobs(request RecentJobsRequest) ([]domain.Job, error) {
	if request.Limit < 0 {
		return nil, domain.InvalidArgument("limit must be non-negative")
	}
	var want domain.JobStatus
	if raw := strings.TrimSpace(request.Status); raw != "" {
		want = domain.ParseJobStatus(raw)
		if _, ok := knownStatuses[want]; !ok {
			return nil, domain.InvalidArgument("status must be one of: PENDING, RUNNING, COMPLETED, FAILED")
		}
	}

	jobs := s.view.Snapshot().Jobs
	out := make([]domain.Job, 0, len(jobs))
	for _, job := range jobs {
		if want != "" && job.Status != want {
			continue
		}
		out = append(out, job)
		if request.Limit > 0 && int64(len(out)) >= request.Limit {
			break
		}
	}
	return out, nil
}

func (s *SnapshotService) ListOutcomes(ctx context.Context, request ListOutcomesRequest) ([]domain.TrackedOutcome, error) {
	if request.Limit < 0 {
		return nil, domain.InvalidArgument("limit must be non-negative")
	}
	if s.outcomes == nil {
		return []domain.TrackedOutcome{}, nil
	}
	limit := int(request.Limit)
	if limit > maxOutcomeLimit {
		limit = maxOutcomeLimit
	}
	return s.outcomes.ListOutcomes(ctx, limit)
}
