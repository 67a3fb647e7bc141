package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bcrosbie/gridlink/internal/engine"
	"github.com/bcrosbie/gridlink/internal/rpccontract"
	"github.com/bcrosbie/gridlink/internal/service"
	"github.com/bcrosbie/gridlink/internal/snapshotclient"
	grpcx "github.com/bcrosbie/gridlink/internal/transport/grpc"
	httpx "github.com/bcrosbie/gridlink/internal/transport/http"
)

const shutdownGrace = 5 * time.Second

func (a *app) serveCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("serve")
	grpcAddr := flags.String("grpc-addr", a.cfg.Daemon.GRPCAddr, "gRPC listen address")
	httpAddr := flags.String("http-addr", a.cfg.Daemon.HTTPAddr, "HTTP listen address (empty disables)")
	token := flags.String("token", a.cfg.Daemon.Token, "token required by snapshot reads")
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

	svc := service.NewSnapshotService(rt.engine, rt.archive, a.cfg.Archive.Driver)
	logger := a.logger.Named("daemon")

	listener, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *grpcAddr, err)
	}
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcx.RecoveryUnaryInterceptor(logger),
			grpcx.AuthUnaryInterceptor(*token),
			grpcx.LoggingUnaryInterceptor(logger),
			grpcx.ErrorUnaryInterceptor(),
		),
	)
	grpcx.RegisterSnapshotServer(server, grpcx.NewSnapshotHandler(svc))

	healthService := health.NewServer()
	healthService.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthService)
	reflection.Register(server)

	stopHealth := followLiveness(rt.engine, healthService)
	defer stopHealth()

	var httpServer *http.Server
	if strings.TrimSpace(*httpAddr) != "" {
		httpServer = httpx.NewServer(httpx.Options{
			Addr:    *httpAddr,
			Service: svc,
			Metrics: a.metrics.Handler(),
			Token:   *token,
			Logger:  logger.Named("http"),
		})
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc_listening", zap.String("addr", *grpcAddr), zap.String("archive", a.cfg.Archive.Driver))
		if strings.TrimSpace(*token) == "" {
			logger.Warn("daemon_token_unset", zap.String("detail", "snapshot reads are unauthenticated"))
		}
		if err := server.Serve(listener); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if httpServer != nil {
		go func() {
			logger.Info("http_listening", zap.String("addr", *httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http serve: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case serveErr = <-errCh:
		logger.Error("daemon_serve_failed", zap.Error(serveErr))
	}
	shutdown(logger, server, httpServer)
	return serveErr
}

// followLiveness reports the snapshot service as serving only while the
// push channel is open.
func followLiveness(eng *engine.Engine, healthService *health.Server) func() {
	changes, stop := eng.Watch()
	done := make(chan struct{})
	update := func() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if eng.Live() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		healthService.SetServingStatus(rpccontract.ServiceName, status)
	}
	update()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-changes:
				update()
			}
		}
	}()
	return func() {
		stop()
		close(done)
	}
}

func shutdown(logger *zap.Logger, server *grpc.Server, httpServer *http.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("grpc_stopped")
	case <-time.After(shutdownGrace):
		logger.Warn("grpc_graceful_timeout")
		server.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_failed", zap.Error(err))
		}
	}
}

func (a *app) peekCommand(ctx context.Context, args []string) error {
	flags := a.newFlagSet("peek")
	addr := flags.String("addr", a.cfg.Daemon.GRPCAddr, "daemon gRPC address")
	token := flags.String("token", a.cfg.Daemon.Token, "daemon token")
	limit := flags.Int64("limit", 0, "limit for jobs and outcomes")
	status := flags.String("status", "", "job status filter for jobs")
	if err := flags.Parse(args); err != nil {
		return err
	}
	what := "snapshot"
	if flags.NArg() > 0 {
		what = flags.Arg(0)
	}

	client, err := snapshotclient.New(snapshotclient.Options{
		Addr:           *addr,
		Token:          *token,
		Insecure:       a.cfg.Daemon.GRPCInsecure,
		RequestTimeout: a.cfg.RequestTimeout,
		RetryAttempts:  3,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	var result any
	switch what {
	case "health":
		result, err = client.Health(ctx)
	case "snapshot":
		result, err = client.Snapshot(ctx)
	case "jobs":
		result, err = client.RecentJobs(ctx, *limit, *status)
	case "outcomes":
		result, err = client.Outcomes(ctx, *limit)
	default:
		return fmt.Errorf("unknown peek target %q; expected snapshot|jobs|outcomes|health", what)
	}
	if err != nil {
		return fmt.Errorf("peek %s: %w", what, err)
	}
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	a.printf("%s\n", raw)
	return nil
}
