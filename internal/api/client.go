// Package api is the request/response client for the marketplace REST
// endpoints: login, profile, job submission and listings.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/observability"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 4 << 20
	userAgent       = "gridlink/1.0"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Token returns the current bearer credential; empty means anonymous.
	Token  func() string
	Logger *zap.Logger
}

type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	token      func() string
	logger     *zap.Logger
	profiles   singleflight.Group
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type SubmitResponse struct {
	Status string `json:"status"`
	JobID  int64  `json:"job_id"`
}

type ModelList struct {
	Models     []domain.ModelInfo `json:"models"`
	TotalNodes int64              `json:"total_nodes"`
}

func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
		token:      opts.Token,
		logger:     opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.token == nil {
		c.token = func() string { return "" }
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) ObtainToken(ctx context.Context, username, password string) (TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, domain.InvalidArgument("username and password are required")
	}
	var pair TokenPair
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/core/token/", body, false, &pair); err != nil {
		return TokenPair{}, err
	}
	if strings.TrimSpace(pair.Access) == "" {
		return TokenPair{}, domain.Protocol("token response has no access token", nil)
	}
	return pair, nil
}

// Profile fetches the current user. Concurrent calls for the same credential
// share one request.
func (c *Client) Profile(ctx context.Context) (domain.Profile, error) {
	key := "profile:" + c.token()
	value, err, _ := c.profiles.Do(key, func() (any, error) {
		var profile domain.Profile
		if err := c.do(ctx, http.MethodGet, "/api/core/profile/", nil, true, &profile); err != nil {
			return domain.Profile{}, err
		}
		return profile, nil
	})
	if err != nil {
		return domain.Profile{}, err
	}
	return value.(domain.Profile), nil
}

func (c *Client) SubmitJob(ctx context.Context, prompt, model string) (SubmitResponse, error) {
	var out SubmitResponse
	body := map[string]string{"prompt": prompt, "model": model}
	if err := c.do(ctx, http.MethodPost, "/api/computing/submit-job/", body, true, &out); err != nil {
		return SubmitResponse{}, err
	}
	if out.JobID <= 0 {
		return SubmitResponse{}, domain.Protocol("submit response has no job_id", nil)
	}
	return out, nil
}

func (c *Client) JobStatus(ctx context.Context, jobID int64) (domain.Job, error) {
	var job domain.Job
	path := "/api/computing/jobs/" + strconv.FormatInt(jobID, 10) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, true, &job); err != nil {
		return domain.Job{}, err
	}
	if job.ID == 0 {
		job.ID = jobID
	}
	job.Status = domain.ParseJobStatus(string(job.Status))
	return job, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := c.do(ctx, http.MethodGet, "/api/computing/jobs/", nil, true, &jobs); err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Status = domain.ParseJobStatus(string(jobs[i].Status))
	}
	return jobs, nil
}

func (c *Client) ListModels(ctx context.Context) (ModelList, error) {
	var out ModelList
	if err := c.do(ctx, http.MethodGet, "/api/computing/models/", nil, false, &out); err != nil {
		return ModelList{}, err
	}
	if out.Models == nil {
		out.Models = []domain.ModelInfo{}
	}
	return out, nil
}

func (c *Client) NetworkStats(ctx context.Context) (domain.NetworkStats, error) {
	var stats domain.NetworkStats
	if err := c.do(ctx, http.MethodGet, "/api/computing/stats/", nil, false, &stats); err != nil {
		return domain.NetworkStats{}, err
	}
	return stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, auth bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "api "+method+" "+path,
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	)
	defer span.End()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return domain.Internal("failed to encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return domain.Internal("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Debug("api_request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return domain.Unavailable(err.Error(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		span.RecordError(err)
		return domain.Unavailable("failed to read response", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.logger.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		appErr := statusError(resp.StatusCode, serverMessage(resp.StatusCode, raw))
		span.SetStatus(codes.Error, string(appErr.Code))
		return appErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Protocol(fmt.Sprintf("unexpected response from %s", path), err)
	}
	return nil
}

// serverMessage extracts the human-readable error the server put in the
// body: {"error": ...} from the marketplace views, {"detail": ...} from the
// framework's auth layer.
func serverMessage(status int, raw []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		for _, key := range []string{"error", "detail", "message"} {
			if text, ok := payload[key].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if text != "" && len(text) <= 200 && !strings.HasPrefix(text, "<") {
		return text
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}

func statusError(status int, message string) *domain.AppError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Unauthenticated(message)
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return domain.ResourceExhausted(message)
	case status == http.StatusNotFound:
		return domain.NotFound(message)
	case status >= http.StatusInternalServerError:
		return domain.Unavailable(message, nil)
	default:
		return domain.InvalidArgument(message)
	}
}
