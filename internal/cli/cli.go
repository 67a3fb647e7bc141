// Package cli implements the gridlink command line: session management,
// one-shot listings, live watching, job submission, the dashboard and the
// snapshot daemon.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/config"
	"github.com/bcrosbie/gridlink/internal/observability"
)

type app struct {
	name    string
	cfg     config.Config
	cfgPath string
	out     io.Writer
	in      *bufio.Reader
	logger  *zap.Logger
	metrics *observability.Metrics
}

func Run(args []string, commandName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, commandName, os.Stdout, os.Stdin)
}

func run(ctx context.Context, args []string, commandName string, out io.Writer, in io.Reader) error {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if len(args) < 1 {
		usage(out, commandName, cfgPath)
		return nil
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.InitTracing(commandName, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a := &app{
		name:    commandName,
		cfg:     cfg,
		cfgPath: cfgPath,
		out:     out,
		in:      bufio.NewReader(in),
		logger:  logger,
		metrics: observability.NewMetrics(),
	}

	command, rest := args[0], args[1:]
	switch command {
	case "login":
		return a.loginCommand(ctx, rest)
	case "logout":
		return a.logoutCommand()
	case "whoami":
		return a.whoamiCommand(ctx)
	case "watch":
		return a.watchCommand(ctx, rest)
	case "submit":
		return a.submitCommand(ctx, rest)
	case "jobs":
		return a.jobsCommand(ctx, rest)
	case "models":
		return a.modelsCommand(ctx)
	case "stats":
		return a.statsCommand(ctx)
	case "history":
		return a.historyCommand(ctx, rest)
	case "peek":
		return a.peekCommand(ctx, rest)
	case "tui":
		return a.tuiCommand(ctx)
	case "serve":
		return a.serveCommand(ctx, rest)
	default:
		usage(out, commandName, cfgPath)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) askLine(label string) string {
	a.printf("%s", label)
	line, _ := a.in.ReadString('\n')
	return strings.TrimSpace(line)
}

func usage(out io.Writer, commandName, configPath string) {
	fmt.Fprintf(out, `%s - live view of the compute grid

Usage:
  %s login [--token TOKEN | --username NAME [--password PASS]]
  %s logout
  %s whoami
  %s watch [--json]
  %s submit [--model NAME] [--poll] [--wait-live 3s] PROMPT...
  %s jobs [--limit N]
  %s models
  %s stats
  %s history [--limit N]
  %s peek [--addr HOST:PORT] [snapshot|jobs|outcomes|health]
  %s tui
  %s serve

Config file:
  %s
`, commandName, commandName, commandName, commandName, commandName, commandName,
		commandName, commandName, commandName, commandName, commandName, commandName, commandName, configPath)
}
