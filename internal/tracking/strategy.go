// Package tracking submits jobs and follows them to a terminal outcome,
// either by watching the live recent-jobs feed or by polling the job-status
// endpoint.
package tracking

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/observability"
	"github.com/bcrosbie/gridlink/internal/projection"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 60

	StrategyFeed = "feed"
	StrategyPoll = "poll"
)

// Result is what a Strategy reports when tracking stops.
type Result struct {
	State State
	Job   domain.Job
	Polls int
}

// Strategy follows one job id until it reaches a terminal state. observe is
// called for every status change seen along the way.
type Strategy interface {
	Name() string
	Track(ctx context.Context, jobID int64, observe func(domain.Job)) (Result, error)
}

// FeedSource is the read side of the projection store.
type FeedSource interface {
	Snapshot() projection.Snapshot
	Subscribe(fn func(projection.Snapshot)) func()
}

type FeedStrategy struct {
	feed FeedSource
}

func NewFeedStrategy(feed FeedSource) *FeedStrategy {
	return &FeedStrategy{feed: feed}
}

func (s *FeedStrategy) Name() string { return StrategyFeed }

func (s *FeedStrategy) Track(ctx context.Context, jobID int64, observe func(domain.Job)) (Result, error) {
	// Holds at most the newest unseen version of the job.
	latest := make(chan domain.Job, 1)
	push := func(job domain.Job) {
		for {
			select {
			case latest <- job:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}
	unsubscribe := s.feed.Subscribe(func(snap projection.Snapshot) {
		if job, ok := snap.Job(jobID); ok {
			push(job)
		}
	})
	defer unsubscribe()

	// The job may already be in the feed before the subscription existed.
	if job, ok := s.feed.Snapshot().Job(jobID); ok {
		push(job)
	}

	var last domain.JobStatus
	for {
		select {
		case <-ctx.Done():
			return Result{State: StateCancelled}, ctx.Err()
		case job := <-latest:
			if job.Status == last {
				continue
			}
			last = job.Status
			if observe != nil {
				observe(job)
			}
			switch job.Status {
			case domain.StatusCompleted:
				return Result{State: StateCompleted, Job: job}, nil
			case domain.StatusFailed:
				return Result{State: StateFailed, Job: job}, nil
			}
		}
	}
}

type JobFetcher interface {
	JobStatus(ctx context.Context, jobID int64) (domain.Job, error)
}

type PollOptions struct {
	Interval time.Duration
	Attempts int
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	// Sleep waits between attempts; nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type PollStrategy struct {
	fetcher  JobFetcher
	interval time.Duration
	attempts int
	logger   *zap.Logger
	metrics  *observability.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewPollStrategy(fetcher JobFetcher, opts PollOptions) *PollStrategy {
	s := &PollStrategy{
		fetcher:  fetcher,
		interval: opts.Interval,
		attempts: opts.Attempts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sleep:    opts.Sleep,
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if s.attempts <= 0 {
		s.attempts = DefaultPollAttempts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	return s
}

func (s *PollStrategy) Name() string { return StrategyPoll }

// Track polls up to the attempt budget. Request errors and non-terminal
// statuses move on to the next attempt; there is no wait after the last one.
func (s *PollStrategy) Track(ctx context.Context, jobID int64, observe func(domain.Job)) (Result, error) {
	var last domain.JobStatus
	for attempt := 1; attempt <= s.attempts; attempt++ {
		job, err := s.fetcher.JobStatus(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{State: StateCancelled, Polls: attempt}, ctx.Err()
			}
			s.metrics.PollRequest("error")
			s.logger.Debug("poll_failed", zap.Int64("job_id", jobID), zap.Int("attempt", attempt), zap.Error(err))
		default:
			s.metrics.PollRequest(string(job.Status))
			if job.Status != last {
				last = job.Status
				if observe != nil {
					observe(job)
				}
			}
			switch job.Status {
			case domain.StatusCompleted:
				return Result{State: StateCompleted, Job: job, Polls: attempt}, nil
			case domain.StatusFailed:
				return Result{State: StateFailed, Job: job, Polls: attempt}, nil
			}
		}

		if attempt < s.attempts {
			if err := s.sleep(ctx, s.interval); err != nil {
				return Result{State: StateCancelled, Polls: attempt}, err
			}
		}
	}
	return Result{State: StateTimedOut, Polls: s.attempts}, nil
}

// SelectStrategy picks the feed while the push channel is live and polling
// otherwise.
func SelectStrategy(live bool, feed, poll Strategy) Strategy {
	if live && feed != nil {
		return feed
	}
	return poll
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
