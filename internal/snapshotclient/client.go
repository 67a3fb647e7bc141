// Package snapshotclient queries a running gridlink daemon over gRPC.
package snapshotclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/rpccontract"
	"github.com/bcrosbie/gridlink/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type Options struct {
	Addr           string
	Token          string
	Insecure       bool
	RequestTimeout time.Duration
	RetryAttempts  int
}

type Client struct {
	conn          *grpc.ClientConn
	token         string
	requestTO     time.Duration
	retryAttempts int
}

func New(opts Options) (*Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, domain.InvalidArgument("daemon address is required")
	}
	cred := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if opts.Insecure || strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") {
		cred = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(
		addr,
		cred,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                25 * time.Second,
			Timeout:             6 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.Connect()

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		conn:          conn,
		token:         strings.TrimSpace(opts.Token),
		requestTO:     timeout,
		retryAttempts: opts.RetryAttempts,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Health(ctx context.Context) (service.Health, error) {
	var out service.Health
	response := &structpb.Struct{}
	if err := c.invoke(ctx, rpccontract.MethodGetHealth, &emptypb.Empty{}, response); err != nil {
		return out, err
	}
	return out, reshape(response.AsMap(), &out)
}

func (c *Client) Snapshot(ctx context.Context) (projection.Snapshot, error) {
	var out projection.Snapshot
	response := &structpb.Struct{}
	if err := c.invoke(ctx, rpccontract.MethodGetSnapshot, &emptypb.Empty{}, response); err != nil {
		return out, err
	}
	return out, reshape(response.AsMap(), &out)
}

func (c *Client) RecentJobs(ctx context.Context, limit int64, status string) ([]domain.Job, error) {
	request, err := structpb.NewStruct(map[string]any{
		"limit":  limit,
		"status": strings.TrimSpace(status),
	})
	if err != nil {
		return nil, err
	}
	response := &structpb.ListValue{}
	if err := c.invoke(ctx, rpccontract.MethodListRecentJobs, request, response); err != nil {
		return nil, err
	}
	out := []domain.Job{}
	return out, reshape(response.AsSlice(), &out)
}

func (c *Client) Outcomes(ctx context.Context, limit int64) ([]domain.TrackedOutcome, error) {
	request, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	response := &structpb.ListValue{}
	if err := c.invoke(ctx, rpccontract.MethodListOutcomes, request, response); err != nil {
		return nil, err
	}
	out := []domain.TrackedOutcome{}
	return out, reshape(response.AsSlice(), &out)
}

func (c *Client) invoke(ctx context.Context, method string, request, response proto.Message) error {
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.requestTO)
		callCtx = c.withAuth(callCtx)

		proto.Reset(response)
		invokeErr := c.conn.Invoke(callCtx, method, request, response)
		cancel()
		if invokeErr == nil {
			return nil
		}
		lastErr = invokeErr
		if !isRetryable(invokeErr) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, c.token)
}

func isRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// reshape turns the structpb value back into a typed result.
func reshape(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.Protocol("daemon response could not be encoded", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Protocol("daemon response has an unexpected shape", err)
	}
	return nil
}
