package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/api"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/observability"
	"github.com/bcrosbie/gridlink/internal/projection"
)

type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateTracking   State = "tracking"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateRejected, StateCancelled:
		return true
	default:
		return false
	}
}

const (
	msgEmptyPrompt = "Please enter a prompt."
	msgNoModels    = "No models available. Wait for a GPU node to connect."
	msgBusy        = "A job is already in progress."
	msgSubmitting  = "Submitting..."
	msgUnknownErr  = "Unknown error"
	msgNoOutput    = "(no output)"
)

// ErrBusy is returned by Submit while another job is being tracked.
var ErrBusy = errors.New(msgBusy)

// Status is what a person sees: the state, one line of text and the job's
// result once there is one.
type Status struct {
	State    State  `json:"state"`
	JobID    int64  `json:"job_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Text     string `json:"text"`
	Result   string `json:"result,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

func (s Status) Busy() bool {
	return s.State == StateSubmitting || s.State == StateTracking
}

type Outcome struct {
	Status
	Polls int
}

type Submitter interface {
	SubmitJob(ctx context.Context, prompt, model string) (api.SubmitResponse, error)
}

// Catalog exposes the known model set.
type Catalog interface {
	Snapshot() projection.Snapshot
}

type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome domain.TrackedOutcome) error
}

type Options struct {
	Submitter Submitter
	Catalog   Catalog
	// Strategy is consulted after each successful submission.
	Strategy func() Strategy
	Recorder OutcomeRecorder
	// OnChange receives every status change.
	OnChange func(Status)
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Tracker runs at most one submission at a time.
type Tracker struct {
	submitter Submitter
	catalog   Catalog
	strategy  func() Strategy
	recorder  OutcomeRecorder
	onChange  func(Status)
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu     sync.Mutex
	status Status
	active bool
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		submitter: opts.Submitter,
		catalog:   opts.Catalog,
		strategy:  opts.Strategy,
		recorder:  opts.Recorder,
		onChange:  opts.OnChange,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		status:    Status{State: StateIdle},
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Submit validates the request, submits it and tracks the job until a
// terminal outcome. It blocks for the whole attempt.
func (t *Tracker) Submit(ctx context.Context, prompt, model string) (Outcome, error) {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return Outcome{Status: Status{State: StateRejected, Text: msgBusy}}, ErrBusy
	}

	prompt = strings.TrimSpace(prompt)
	model = strings.TrimSpace(model)
	if prompt == "" {
		return t.rejectLocked(domain.InvalidArgument(msgEmptyPrompt))
	}
	snap := t.catalog.Snapshot()
	if len(snap.Models) == 0 {
		return t.rejectLocked(domain.FailedPrecondition(msgNoModels))
	}
	if model == "" {
		model, _ = snap.FirstModel()
	} else if !snap.HasModel(model) {
		return t.rejectLocked(domain.InvalidArgument(fmt.Sprintf("Model %q is not available.", model)))
	}

	t.active = true
	started := t.now()
	t.setLocked(Status{State: StateSubmitting, Model: model, Text: msgSubmitting})
	t.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "tracking.submit", attribute.String("model", model))
	defer span.End()

	resp, err := t.submitter.SubmitJob(ctx, prompt, model)
	if err != nil {
		span.RecordError(err)
		t.metrics.Submission("error")
		t.logger.Info("job_submit_rejected", zap.String("model", model), zap.Error(err))
		outcome := t.finish(Status{
			State: StateRejected,
			Model: model,
			Text:  "Error: " + domain.UserMessage(err),
		}, 0)
		t.record(ctx, outcome, prompt, started)
		return outcome, err
	}
	t.metrics.Submission("accepted")
	jobID := resp.JobID
	span.SetAttributes(attribute.Int64("job_id", jobID))

	strategy := t.pickStrategy()
	t.update(Status{
		State:    StateTracking,
		JobID:    jobID,
		Model:    model,
		Text:     fmt.Sprintf("Job #%d submitted, waiting for result...", jobID),
		Strategy: strategy.Name(),
	})
	t.logger.Info("job_submitted", zap.Int64("job_id", jobID), zap.String("model", model), zap.String("strategy", strategy.Name()))

	result, trackErr := strategy.Track(ctx, jobID, func(job domain.Job) {
		if job.Status == domain.StatusRunning {
			t.update(Status{
				State:    StateTracking,
				JobID:    jobID,
				Model:    model,
				Text:     fmt.Sprintf("Job #%d running...", jobID),
				Strategy: strategy.Name(),
			})
		}
	})

	final := Status{JobID: jobID, Model: model, Strategy: strategy.Name(), State: result.State}
	switch result.State {
	case StateCompleted:
		final.Text = fmt.Sprintf("Job #%d completed", jobID)
		final.Result = result.Job.Result.OutputText()
		if final.Result == "" {
			final.Result = msgNoOutput
		}
	case StateFailed:
		final.Text = fmt.Sprintf("Job #%d failed", jobID)
		final.Result = result.Job.Result.ErrorText()
		if final.Result == "" {
			final.Result = msgUnknownErr
		}
	case StateTimedOut:
		final.Text = fmt.Sprintf("Job #%d timed out", jobID)
	default:
		final.State = StateCancelled
		final.Text = fmt.Sprintf("Job #%d tracking cancelled", jobID)
	}
	outcome := t.finish(final, result.Polls)
	t.metrics.TrackingOutcome(string(outcome.State), strategy.Name())
	t.logger.Info("job_tracking_finished",
		zap.Int64("job_id", jobID),
		zap.String("state", string(outcome.State)),
		zap.String("strategy", strategy.Name()),
		zap.Int("polls", result.Polls),
	)
	// The archive outlives a cancelled caller.
	t.record(context.WithoutCancel(ctx), outcome, prompt, started)
	return outcome, trackErr
}

func (t *Tracker) pickStrategy() Strategy {
	if t.strategy == nil {
		panic("tracking: no strategy configured")
	}
	return t.strategy()
}

func (t *Tracker) rejectLocked(err *domain.AppError) (Outcome, error) {
	t.setLocked(Status{State: StateRejected, Text: err.Message})
	status := t.status
	t.mu.Unlock()
	t.notify(status)
	return Outcome{Status: status}, err
}

func (t *Tracker) update(status Status) {
	t.mu.Lock()
	t.setLocked(status)
	t.mu.Unlock()
	t.notify(status)
}

func (t *Tracker) finish(status Status, polls int) Outcome {
	t.mu.Lock()
	t.setLocked(status)
	t.active = false
	t.mu.Unlock()
	t.notify(status)
	return Outcome{Status: status, Polls: polls}
}

func (t *Tracker) setLocked(status Status) {
	t.status = status
}

// notify runs outside the lock; the status was set first.
func (t *Tracker) notify(status Status) {
	if t.onChange != nil {
		t.onChange(status)
	}
}

func (t *Tracker) record(ctx context.Context, outcome Outcome, prompt string, started time.Time) {
	if t.recorder == nil {
		return
	}
	var status domain.JobStatus
	switch outcome.State {
	case StateCompleted:
		status = domain.StatusCompleted
	case StateFailed:
		status = domain.StatusFailed
	}
	record := domain.TrackedOutcome{
		ID:         uuid.NewString(),
		JobID:      outcome.JobID,
		State:      string(outcome.State),
		Status:     status,
		Model:      outcome.Model,
		Prompt:     prompt,
		Result:     outcome.Result,
		Message:    outcome.Text,
		Strategy:   outcome.Strategy,
		Polls:      outcome.Polls,
		StartedAt:  started.UTC().Format(time.RFC3339Nano),
		FinishedAt: t.now().UTC().Format(time.RFC3339Nano),
	}
	if err := t.recorder.RecordOutcome(ctx, record); err != nil {
		t.logger.Warn("outcome_record_failed", zap.Int64("job_id", outcome.JobID), zap.Error(err))
	}
}
