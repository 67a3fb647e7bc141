package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/engine"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/tracking"
	"github.com/bcrosbie/gridlink/internal/ui"
)

func (a *app) watchCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("watch")
	asJSON := flags.Bool("json", false, "print every snapshot as a JSON line")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rt, err := a.newRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.engine.RefreshCatalog(ctx); err != nil {
		a.logger.Debug("catalog_refresh_failed", zap.Error(err))
	}

	changes, stop := rt.engine.Watch()
	defer stop()

	printer := &watchPrinter{app: a, json: *asJSON, jobs: map[int64]domain.JobStatus{}}
	printer.print(rt.engine)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			printer.print(rt.engine)
		}
	}
}

type watchPrinter struct {
	app      *app
	json     bool
	lastLine string
	jobs     map[int64]domain.JobStatus
}

func (p *watchPrinter) print(eng *engine.Engine) {
	snap := eng.Snapshot()
	phase := eng.Phase().String()
	if p.json {
		raw, err := json.Marshal(struct {
			Phase    string              `json:"phase"`
			Snapshot projection.Snapshot `json:"snapshot"`
		}{phase, snap})
		if err == nil {
			p.app.printf("%s\n", raw)
		}
		return
	}

	line := summaryLine(phase, snap)
	if line != p.lastLine {
		p.app.printf("%s %s\n", time.Now().Format("15:04:05"), line)
		p.lastLine = line
	}
	seen := make(map[int64]domain.JobStatus, len(snap.Jobs))
	for i := len(snap.Jobs) - 1; i >= 0; i-- {
		job := snap.Jobs[i]
		seen[job.ID] = job.Status
		if prev, ok := p.jobs[job.ID]; !ok || prev != job.Status {
			p.app.printf("%s   job #%d %s %s %s\n", time.Now().Format("15:04:05"), job.ID, job.Status, job.Model, oneLine(job.Prompt, 40))
		}
	}
	p.jobs = seen
}

func summaryLine(phase string, snap projection.Snapshot) string {
	parts := []string{"phase=" + phase}
	if snap.Stats != nil {
		parts = append(parts,
			fmt.Sprintf("nodes=%d", snap.Stats.ActiveNodes),
			fmt.Sprintf("jobs=%d/%d", snap.Stats.CompletedJobs, snap.Stats.TotalJobs),
		)
	}
	names := make([]string, 0, len(snap.Models))
	for _, model := range snap.Models {
		names = append(names, model.Name)
	}
	parts = append(parts, "models="+strings.Join(names, ","))
	switch {
	case snap.Balance != nil:
		parts = append(parts, fmt.Sprintf("balance=%.2f", *snap.Balance))
	case snap.Loading:
		parts = append(parts, "balance=loading")
	}
	return strings.Join(parts, " ")
}

func (a *app) submitCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("submit")
	model := flags.String("model", "", "model name (first available when empty)")
	forcePoll := flags.Bool("poll", false, "track by polling the job endpoint")
	waitLive := flags.Duration("wait-live", a.cfg.ReconnectDelay, "how long to wait for the push channel before tracking")
	if err := flags.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if prompt == "" {
		prompt = a.askLine("Prompt: ")
	}

	rt, err := a.newRuntime(ctx, *forcePoll)
	if err != nil {
		return err
	}
	defer rt.close()
	if !*forcePoll {
		waitForLive(ctx, rt.engine, *waitLive)
	}
	if err := rt.engine.RefreshCatalog(ctx); err != nil {
		a.logger.Debug("catalog_refresh_failed", zap.Error(err))
	}

	changes, stop := rt.engine.Watch()
	done := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		last := ""
		for {
			select {
			case <-done:
				return
			case <-changes:
				status := rt.engine.TrackingStatus()
				if status.Busy() && status.Text != last {
					a.printf("%s\n", status.Text)
					last = status.Text
				}
			}
		}
	}()

	outcome, submitErr := rt.engine.Submit(ctx, prompt, *model)
	close(done)
	<-progressDone
	stop()

	a.printf("%s\n", outcome.Text)
	if outcome.Result != "" {
		a.printf("\n%s\n", outcome.Result)
	}
	if submitErr != nil {
		return submitErr
	}
	switch outcome.State {
	case tracking.StateCompleted:
		return nil
	default:
		return fmt.Errorf("job %d ended %s", outcome.JobID, outcome.State)
	}
}

// waitForLive returns once the channel is open or limit has passed.
func waitForLive(ctx context.Context, eng *engine.Engine, limit time.Duration) {
	if limit <= 0 || eng.Live() {
		return
	}
	changes, stop := eng.Watch()
	defer stop()
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for !eng.Live() {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-changes:
		}
	}
}

func (a *app) tuiCommand(ctx context.Context) error {
	// The dashboard owns the terminal; only errors reach stderr.
	a.logger = a.logger.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
	rt, err := a.newRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()
	go func() {
		if err := rt.engine.RefreshCatalog(ctx); err != nil {
			a.logger.Debug("catalog_refresh_failed", zap.Error(err))
		}
	}()
	return ui.Run(rt.engine, a.cfg.UIStateFile)
}
