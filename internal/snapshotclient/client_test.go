package snapshotclient

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bcrosbie/gridlink/internal/channel"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/service"
	grpcx "github.com/bcrosbie/gridlink/internal/transport/grpc"
)

type view struct{}

func (view) Snapshot() projection.Snapshot {
	balance := 3.25
	return projection.Snapshot{
		Stats:   &domain.NetworkStats{ActiveNodes: 4, TotalJobs: 9, CompletedJobs: 7},
		Models:  []domain.ModelInfo{{Name: "mistral", Providers: 1}},
		Balance: &balance,
		Jobs: []domain.Job{
			{ID: 11, Status: domain.StatusCompleted, Model: "mistral", Prompt: "hi"},
			{ID: 10, Status: domain.StatusFailed, Model: "mistral", Prompt: "yo"},
		},
		Version: 42,
	}
}

func (view) Phase() channel.Phase { return channel.PhaseOpen }

type outcomes struct{}

func (outcomes) ListOutcomes(context.Context, int) ([]domain.TrackedOutcome, error) {
	return []domain.TrackedOutcome{{ID: "out-1", JobID: 11, State: "completed", Polls: 3}}, nil
}

func startDaemon(t *testing.T, token string, handler grpcx.SnapshotRPCServer) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcx.RecoveryUnaryInterceptor(zaptest.NewLogger(t)),
		grpcx.AuthUnaryInterceptor(token),
		grpcx.LoggingUnaryInterceptor(zaptest.NewLogger(t)),
		grpcx.ErrorUnaryInterceptor(),
	))
	grpcx.RegisterSnapshotServer(server, handler)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return listener.Addr().String()
}

func newClient(t *testing.T, addr, token string, attempts int) *Client {
	t.Helper()
	client, err := New(Options{Addr: addr, Token: token, RequestTimeout: 2 * time.Second, RetryAttempts: attempts})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientReadsDaemonViews(t *testing.T) {
	handler := grpcx.NewSnapshotHandler(service.NewSnapshotService(view{}, outcomes{}, "file"))
	addr := startDaemon(t, "s3cret", handler)
	client := newClient(t, addr, "s3cret", 1)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, uint64(42), health.Version)

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Stats)
	assert.Equal(t, int64(4), snap.Stats.ActiveNodes)
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, int64(11), snap.Jobs[0].ID)

	failed, err := client.RecentJobs(ctx, 0, "failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.StatusFailed, failed[0].Status)

	items, err := client.Outcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Polls)
}

func TestClientWithoutTokenIsRejected(t *testing.T) {
	handler := grpcx.NewSnapshotHandler(service.NewSnapshotService(view{}, outcomes{}, "file"))
	addr := startDaemon(t, "s3cret", handler)
	client := newClient(t, addr, "", 1)

	_, err := client.Snapshot(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = client.Health(context.Background())
	assert.NoError(t, err)
}

type flakyServer struct {
	*grpcx.SnapshotHandler
	calls atomic.Int32
}

func (f *flakyServer) GetSnapshot(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	if f.calls.Add(1) == 1 {
		return nil, status.Error(codes.Unavailable, "warming up")
	}
	return f.SnapshotHandler.GetSnapshot(ctx, req)
}

func TestClientRetriesUnavailable(t *testing.T) {
	flaky := &flakyServer{SnapshotHandler: grpcx.NewSnapshotHandler(service.NewSnapshotService(view{}, outcomes{}, "file"))}
	addr := startDaemon(t, "", flaky)
	client := newClient(t, addr, "", 3)

	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Version)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
