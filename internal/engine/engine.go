// Package engine assembles the synchronization engine: projection store,
// dispatcher, push-channel manager, credential subscription and job tracker.
// Consumers get an *Engine through explicit wiring and read it through
// snapshots.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/api"
	"github.com/bcrosbie/gridlink/internal/channel"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/observability"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/protocol"
	"github.com/bcrosbie/gridlink/internal/redact"
	"github.com/bcrosbie/gridlink/internal/session"
	"github.com/bcrosbie/gridlink/internal/tracking"
)

// API is the part of the REST client the engine needs.
type API interface {
	tracking.Submitter
	tracking.JobFetcher
	Profile(ctx context.Context) (domain.Profile, error)
}

// CatalogAPI is the optional part of the REST client that can list models
// and network statistics.
type CatalogAPI interface {
	ListModels(ctx context.Context) (api.ModelList, error)
	NetworkStats(ctx context.Context) (domain.NetworkStats, error)
}

type Options struct {
	ChannelURL     string
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	PollAttempts   int
	FeedCapacity   int
	Monotonic      bool
	// ForcePoll always tracks by polling, even with a live channel.
	ForcePoll bool

	Credentials session.Source
	API         API
	Recorder    tracking.OutcomeRecorder

	Dialer   channel.Dialer
	Clock    channel.Clock
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Redactor *redact.Redactor
}

type Engine struct {
	store      *projection.Store
	dispatcher *projection.Dispatcher
	manager    *channel.Manager
	tracker    *tracking.Tracker
	feed       *tracking.FeedStrategy
	poll       *tracking.PollStrategy
	creds      session.Source
	api        API
	forcePoll  bool
	logger     *zap.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe []func()

	watchMu  sync.Mutex
	nextID   int
	watchers map[int]chan struct{}
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := opts.Credentials
	if creds == nil {
		creds = session.NewStatic(session.Credential{})
	}

	e := &Engine{
		creds:     creds,
		api:       opts.API,
		forcePoll: opts.ForcePoll,
		logger:    logger,
		watchers:  map[int]chan struct{}{},
	}
	e.store = projection.NewStore(projection.Options{
		Capacity:  opts.FeedCapacity,
		Monotonic: opts.Monotonic,
	})
	e.dispatcher = projection.NewDispatcher(e.store, logger.Named("dispatcher"), opts.Metrics)
	e.manager = channel.NewManager(channel.Options{
		URL:            opts.ChannelURL,
		Token:          creds.Current().Token,
		ReconnectDelay: opts.ReconnectDelay,
		Dialer:         opts.Dialer,
		Clock:          opts.Clock,
		OnFrame:        func(raw []byte) { _ = e.dispatcher.Dispatch(raw) },
		OnOpen:         func() { e.store.SetLoading(false) },
		OnPhase:        func(channel.Phase) { e.notify() },
		Logger:         logger.Named("channel"),
		Metrics:        opts.Metrics,
		Redactor:       opts.Redactor,
	})
	e.feed = tracking.NewFeedStrategy(e.store)
	e.poll = tracking.NewPollStrategy(opts.API, tracking.PollOptions{
		Interval: opts.PollInterval,
		Attempts: opts.PollAttempts,
		Logger:   logger.Named("poll"),
		Metrics:  opts.Metrics,
	})
	e.tracker = tracking.NewTracker(tracking.Options{
		Submitter: opts.API,
		Catalog:   e.store,
		Strategy:  e.Strategy,
		Recorder:  opts.Recorder,
		OnChange:  func(tracking.Status) { e.notify() },
		Logger:    logger.Named("tracker"),
		Metrics:   opts.Metrics,
	})
	return e
}

// Start seeds the balance from the session profile, follows credential
// changes and opens the push channel.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	e.unsubscribe = append(e.unsubscribe,
		e.store.Subscribe(func(projection.Snapshot) { e.notify() }),
		e.creds.Subscribe(e.credentialChanged),
	)
	// The credential may have changed since New.
	cred := e.creds.Current()
	if cred.Profile != nil {
		e.store.SeedBalance(float64(cred.Profile.WalletBalance))
	}
	if !e.manager.SetToken(cred.Token) {
		e.manager.Connect()
	}
	e.logger.Info("engine_started", zap.Bool("authenticated", cred.Authenticated()))
}

// Stop tears the channel down for good. Tracking already in flight runs on.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	e.manager.Close()
	e.logger.Info("engine_stopped")
}

// credentialChanged drops the old connection before clearing per-user state.
// Teardown returns only once no frame from the previous session can still be
// dispatched.
func (e *Engine) credentialChanged(cred session.Credential) {
	e.manager.Teardown()
	e.store.ResetAccount()
	if cred.Profile != nil {
		e.store.SeedBalance(float64(cred.Profile.WalletBalance))
	}
	if !e.manager.SetToken(cred.Token) {
		e.manager.Connect()
	}
}

// RefreshProfile fetches the profile and seeds the balance with it. The seed
// is ignored once the channel has delivered a balance.
func (e *Engine) RefreshProfile(ctx context.Context) (domain.Profile, error) {
	if !e.creds.Current().Authenticated() {
		return domain.Profile{}, domain.Unauthenticated("not logged in")
	}
	profile, err := e.api.Profile(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	e.store.SeedBalance(float64(profile.WalletBalance))
	return profile, nil
}

// RefreshCatalog fills the models and stats projections from the REST API
// when the channel has not delivered them yet.
func (e *Engine) RefreshCatalog(ctx context.Context) error {
	catalog, ok := e.api.(CatalogAPI)
	if !ok {
		return domain.FailedPrecondition("api client cannot list models")
	}
	snap := e.store.Snapshot()
	if len(snap.Models) == 0 {
		list, err := catalog.ListModels(ctx)
		if err != nil {
			return err
		}
		if err := e.store.Apply(protocol.ModelsUpdate{Models: list.Models}); err != nil {
			return err
		}
	}
	if snap.Stats == nil {
		stats, err := catalog.NetworkStats(ctx)
		if err != nil {
			return err
		}
		if err := e.store.Apply(protocol.StatsUpdate{Stats: stats}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Snapshot() projection.Snapshot {
	return e.store.Snapshot()
}

func (e *Engine) Subscribe(fn func(projection.Snapshot)) func() {
	return e.store.Subscribe(fn)
}

func (e *Engine) Phase() channel.Phase {
	return e.manager.Phase()
}

// Live reports whether the projections are being fed by an open channel.
func (e *Engine) Live() bool {
	return e.manager.Phase() == channel.PhaseOpen
}

func (e *Engine) Strategy() tracking.Strategy {
	if e.forcePoll {
		return e.poll
	}
	return tracking.SelectStrategy(e.Live(), e.feed, e.poll)
}

func (e *Engine) Tracker() *tracking.Tracker {
	return e.tracker
}

func (e *Engine) TrackingStatus() tracking.Status {
	return e.tracker.Status()
}

func (e *Engine) Submit(ctx context.Context, prompt, model string) (tracking.Outcome, error) {
	return e.tracker.Submit(ctx, prompt, model)
}

// Watch returns a channel that receives a signal after any change to the
// projections, the channel phase or the tracker status. Signals coalesce.
func (e *Engine) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.watchMu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = ch
	e.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.watchMu.Lock()
			delete(e.watchers, id)
			e.watchMu.Unlock()
		})
	}
}

func (e *Engine) notify() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
