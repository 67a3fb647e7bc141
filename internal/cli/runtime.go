package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/api"
	"github.com/bcrosbie/gridlink/internal/config"
	"github.com/bcrosbie/gridlink/internal/engine"
	"github.com/bcrosbie/gridlink/internal/redact"
	"github.com/bcrosbie/gridlink/internal/session"
	"github.com/bcrosbie/gridlink/internal/store"
)

// runtime is the wired engine plus the collaborators it was built from.
type runtime struct {
	creds   session.Source
	file    *session.FileSource
	api     *api.Client
	archive store.OutcomeStore
	engine  *engine.Engine
	cancel  context.CancelFunc
}

// credentials prefers the token environment variable. Without it the
// session file is the source and file is non-nil.
func (a *app) credentials() (session.Source, *session.FileSource, error) {
	if token := config.ResolveToken(a.cfg); token != "" {
		return session.NewStatic(session.Credential{Token: token}), nil, nil
	}
	file := session.NewFileSource(a.cfg.SessionFile, a.logger.Named("session"))
	if err := file.Load(); err != nil {
		return nil, nil, err
	}
	return file, file, nil
}

func (a *app) apiClient(creds session.Source) *api.Client {
	return api.New(api.Options{
		BaseURL: a.cfg.APIURL,
		Timeout: a.cfg.RequestTimeout,
		Token:   func() string { return creds.Current().Token },
		Logger:  a.logger.Named("api"),
	})
}

func (a *app) openArchive() (store.OutcomeStore, error) {
	archive, err := store.Open(a.cfg.Archive.Driver, a.cfg.Archive.File, a.cfg.Archive.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := archive.Load(); err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	return archive, nil
}

// newRuntime builds and starts the engine. The session file, when used, is
// watched until close.
func (a *app) newRuntime(ctx context.Context, forcePoll bool) (*runtime, error) {
	creds, file, err := a.credentials()
	if err != nil {
		return nil, err
	}
	archive, err := a.openArchive()
	if err != nil {
		return nil, err
	}
	client := a.apiClient(creds)

	watchCtx, cancel := context.WithCancel(ctx)
	if file != nil {
		go func() {
			if err := file.Watch(watchCtx); err != nil {
				a.logger.Warn("session_watch_failed", zap.Error(err))
			}
		}()
	}

	eng := engine.New(engine.Options{
		ChannelURL:     a.cfg.WSURL,
		ReconnectDelay: a.cfg.ReconnectDelay,
		PollInterval:   a.cfg.PollInterval,
		PollAttempts:   a.cfg.PollAttempts,
		FeedCapacity:   a.cfg.Feed.Capacity,
		Monotonic:      a.cfg.Feed.MonotonicStatus,
		ForcePoll:      forcePoll,
		Credentials:    creds,
		API:            client,
		Recorder:       archive,
		Logger:         a.logger.Named("engine"),
		Metrics:        a.metrics,
		Redactor:       redact.New(true, nil),
	})
	eng.Start()

	if creds.Current().Authenticated() && creds.Current().Profile == nil {
		if _, err := eng.RefreshProfile(ctx); err != nil {
			a.logger.Debug("profile_refresh_failed", zap.Error(err))
		}
	}

	return &runtime{
		creds:   creds,
		file:    file,
		api:     client,
		archive: archive,
		engine:  eng,
		cancel:  cancel,
	}, nil
}

func (r *runtime) close() {
	r.engine.Stop()
	r.cancel()
	_ = r.archive.Close()
}
