package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bcrosbie/gridlink/internal/api"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/protocol"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	jobID int64
	err   error
	gate  chan struct{}
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, prompt, model string) (api.SubmitResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt+"|"+model)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return api.SubmitResponse{}, f.err
	}
	return api.SubmitResponse{Status: "submitted", JobID: f.jobID}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFetcher struct {
	calls   atomic.Int32
	respond func(n int32) (domain.Job, error)
}

func (f *fakeFetcher) JobStatus(ctx context.Context, jobID int64) (domain.Job, error) {
	n := f.calls.Add(1)
	return f.respond(n)
}

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []domain.TrackedOutcome
}

func (r *memoryRecorder) RecordOutcome(ctx context.Context, outcome domain.TrackedOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func storeWithModels(names ...string) *projection.Store {
	store := projection.NewStore(projection.Options{Monotonic: true})
	models := make([]domain.ModelInfo, 0, len(names))
	for _, name := range names {
		models = append(models, domain.ModelInfo{Name: name, Providers: 1})
	}
	_ = store.Apply(protocol.ModelsUpdate{Models: models})
	_ = store.Apply(protocol.BalanceUpdate{Balance: 100})
	return store
}

func strPtr(s string) *string { return &s }

func TestScenarioStreamingSubmitRunningCompleted(t *testing.T) {
	store := storeWithModels("llama3")
	submitter := &fakeSubmitter{jobID: 42}
	recorder := &memoryRecorder{}
	tracker := NewTracker(Options{
		Submitter: submitter,
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
		Recorder:  recorder,
		Logger:    zaptest.NewLogger(t),
	})

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := tracker.Submit(context.Background(), "hello", "llama3")
		assert.NoError(t, err)
		done <- outcome
	}()

	require.Eventually(t, func() bool {
		return tracker.Status().Text == "Job #42 submitted, waiting for result..."
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tracker.Status().Busy())

	require.NoError(t, store.Apply(protocol.JobUpdate{Job: domain.Job{ID: 42, Status: domain.StatusRunning}}))
	require.Eventually(t, func() bool { return tracker.Status().Text == "Job #42 running..." }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.Apply(protocol.JobUpdate{Job: domain.Job{
		ID:     42,
		Status: domain.StatusCompleted,
		Result: &domain.JobResult{Output: strPtr("hi")},
	}}))

	select {
	case outcome := <-done:
		assert.Equal(t, StateCompleted, outcome.State)
		assert.Equal(t, "Job #42 completed", outcome.Text)
		assert.Equal(t, "hi", outcome.Result)
		assert.Equal(t, StrategyFeed, outcome.Strategy)
	case <-time.After(2 * time.Second):
		t.Fatalf("tracking did not finish")
	}
	assert.False(t, tracker.Status().Busy())
	require.Len(t, recorder.outcomes, 1)
	assert.Equal(t, int64(42), recorder.outcomes[0].JobID)
	assert.Equal(t, domain.StatusCompleted, recorder.outcomes[0].Status)
	assert.NotEmpty(t, recorder.outcomes[0].ID)
}

func TestFeedFailureSurfacesErrorField(t *testing.T) {
	store := storeWithModels("llama3")
	require.NoError(t, store.Apply(protocol.JobUpdate{Job: domain.Job{
		ID:     9,
		Status: domain.StatusFailed,
		Result: &domain.JobResult{Error: strPtr("CUDA out of memory")},
	}}))
	tracker := NewTracker(Options{
		Submitter: &fakeSubmitter{jobID: 9},
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
	})

	outcome, err := tracker.Submit(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, "Job #9 failed", outcome.Text)
	assert.Equal(t, "CUDA out of memory", outcome.Result)
	assert.Equal(t, "llama3", outcome.Model)
}

func TestScenarioNoModelsNeverCallsServer(t *testing.T) {
	store := projection.NewStore(projection.Options{})
	submitter := &fakeSubmitter{jobID: 1}
	tracker := NewTracker(Options{
		Submitter: submitter,
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
	})

	outcome, err := tracker.Submit(context.Background(), "hello", "llama3")
	require.Error(t, err)
	assert.Equal(t, StateRejected, outcome.State)
	assert.Equal(t, "No models available. Wait for a GPU node to connect.", tracker.Status().Text)
	assert.Equal(t, 0, submitter.callCount())
}

func TestValidationMessages(t *testing.T) {
	store := storeWithModels("llama3")
	submitter := &fakeSubmitter{jobID: 1}
	tracker := NewTracker(Options{
		Submitter: submitter,
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
	})

	_, err := tracker.Submit(context.Background(), "   ", "llama3")
	require.Error(t, err)
	assert.Equal(t, "Please enter a prompt.", tracker.Status().Text)

	_, err = tracker.Submit(context.Background(), "hello", "gpt-9")
	require.Error(t, err)
	assert.Equal(t, `Model "gpt-9" is not available.`, tracker.Status().Text)
	assert.Equal(t, 0, submitter.callCount())
}

func TestSubmissionErrorIsSurfacedVerbatim(t *testing.T) {
	store := storeWithModels("llama3")
	recorder := &memoryRecorder{}
	tracker := NewTracker(Options{
		Submitter: &fakeSubmitter{err: domain.ResourceExhausted("Insufficient funds")},
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
		Recorder:  recorder,
	})

	outcome, err := tracker.Submit(context.Background(), "hello", "llama3")
	require.Error(t, err)
	assert.Equal(t, StateRejected, outcome.State)
	assert.Equal(t, "Error: Insufficient funds", outcome.Text)
	assert.False(t, tracker.Status().Busy())
	require.Len(t, recorder.outcomes, 1)
	assert.Equal(t, string(StateRejected), recorder.outcomes[0].State)
}

func TestSecondSubmissionRefusedWhileActive(t *testing.T) {
	store := storeWithModels("llama3")
	submitter := &fakeSubmitter{jobID: 5, gate: make(chan struct{})}
	tracker := NewTracker(Options{
		Submitter: submitter,
		Catalog:   store,
		Strategy:  func() Strategy { return NewFeedStrategy(store) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := tracker.Submit(ctx, "first", "llama3")
		done <- err
	}()
	require.Eventually(t, func() bool { return tracker.Status().State == StateSubmitting }, 2*time.Second, 5*time.Millisecond)

	outcome, err := tracker.Submit(context.Background(), "second", "llama3")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "A job is already in progress.", outcome.Text)
	assert.Equal(t, StateSubmitting, tracker.Status().State)

	close(submitter.gate)
	require.Eventually(t, func() bool { return tracker.Status().State == StateTracking }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateCancelled, tracker.Status().State)
	assert.Equal(t, 1, submitter.callCount())
}

func TestScenarioPollingTimesOutWithoutSixtyFirstRequest(t *testing.T) {
	store := storeWithModels("llama3")
	fetcher := &fakeFetcher{respond: func(int32) (domain.Job, error) {
		return domain.Job{ID: 42, Status: domain.StatusPending}, nil
	}}
	var sleeps atomic.Int32
	poll := NewPollStrategy(fetcher, PollOptions{
		Sleep: func(ctx context.Context, d time.Duration) error {
			assert.Equal(t, DefaultPollInterval, d)
			sleeps.Add(1)
			return nil
		},
	})
	tracker := NewTracker(Options{
		Submitter: &fakeSubmitter{jobID: 42},
		Catalog:   store,
		Strategy:  func() Strategy { return poll },
	})

	outcome, err := tracker.Submit(context.Background(), "hello", "llama3")
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, outcome.State)
	assert.Equal(t, "Job #42 timed out", outcome.Text)
	assert.Equal(t, 60, outcome.Polls)
	assert.Equal(t, int32(60), fetcher.calls.Load())
	assert.Equal(t, int32(59), sleeps.Load())
}

func TestPollingStopsOnTerminalAndSwallowsErrors(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(n int32) (domain.Job, error) {
		switch {
		case n <= 2:
			return domain.Job{}, domain.Unavailable("connection reset", nil)
		case n == 3:
			return domain.Job{ID: 7, Status: domain.StatusRunning}, nil
		default:
			return domain.Job{ID: 7, Status: domain.StatusCompleted, Result: &domain.JobResult{Raw: []byte(`{"tokens":3}`)}}, nil
		}
	}}
	poll := NewPollStrategy(fetcher, PollOptions{
		Logger: zaptest.NewLogger(t),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})

	var seen []domain.JobStatus
	result, err := poll.Track(context.Background(), 7, func(job domain.Job) { seen = append(seen, job.Status) })
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 4, result.Polls)
	assert.Equal(t, int32(4), fetcher.calls.Load())
	assert.Equal(t, []domain.JobStatus{domain.StatusRunning, domain.StatusCompleted}, seen)
	assert.Equal(t, `{"tokens":3}`, result.Job.Result.OutputText())
}

func TestPollingHonoursCancellation(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(int32) (domain.Job, error) {
		return domain.Job{Status: domain.StatusPending}, nil
	}}
	poll := NewPollStrategy(fetcher, PollOptions{Interval: time.Hour, Attempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := poll.Track(ctx, 1, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSelectStrategy(t *testing.T) {
	feed := NewFeedStrategy(projection.NewStore(projection.Options{}))
	poll := NewPollStrategy(&fakeFetcher{}, PollOptions{})
	assert.Equal(t, StrategyFeed, SelectStrategy(true, feed, poll).Name())
	assert.Equal(t, StrategyPoll, SelectStrategy(false, feed, poll).Name())
	assert.Equal(t, StrategyPoll, SelectStrategy(true, nil, poll).Name())
}

func TestStateTerminal(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed, StateTimedOut, StateRejected, StateCancelled} {
		assert.True(t, state.Terminal(), state)
	}
	for _, state := range []State{StateIdle, StateSubmitting, StateTracking} {
		assert.False(t, state.Terminal(), state)
	}
}

func TestCompletedWithoutResultShowsPlaceholder(t *testing.T) {
	store := storeWithModels("llama3")
	fetcher := &fakeFetcher{respond: func(int32) (domain.Job, error) {
		return domain.Job{ID: 3, Status: domain.StatusCompleted}, nil
	}}
	tracker := NewTracker(Options{
		Submitter: &fakeSubmitter{jobID: 3},
		Catalog:   store,
		Strategy: func() Strategy {
			return NewPollStrategy(fetcher, PollOptions{
				Sleep: func(context.Context, time.Duration) error { return nil },
			})
		},
	})

	outcome, err := tracker.Submit(context.Background(), "x", "llama3")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, "Job #3 completed", outcome.Text)
	assert.Equal(t, "(no output)", outcome.Result)
}
