package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along PENDING -> RUNNING -> {COMPLETED, FAILED}.
// Unknown statuses rank with PENDING.
func (s JobStatus) Rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

func ParseJobStatus(raw string) JobStatus {
	return JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

type NetworkStats struct {
	ActiveNodes     int64 `json:"active_nodes"`
	AvailableModels int64 `json:"available_models"`
	CompletedJobs   int64 `json:"completed_jobs"`
	TotalJobs       int64 `json:"total_jobs"`
}

type ModelInfo struct {
	Name      string   `json:"name"`
	Providers int64    `json:"providers"`
	Nodes     []string `json:"nodes,omitempty"`
}

// JobResult is the structured payload of a finished job. Output and Error
// are the two fields the server is known to send; Raw keeps the whole
// payload so callers can fall back to it.
type JobResult struct {
	Output *string         `json:"output,omitempty"`
	Error  *string         `json:"error,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

func (r *JobResult) UnmarshalJSON(data []byte) error {
	r.Raw = append(r.Raw[:0], data...)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var fields struct {
		Output *string `json:"output"`
		Error  *string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil
	}
	r.Output = fields.Output
	r.Error = fields.Error
	return nil
}

func (r JobResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	fields := map[string]string{}
	if r.Output != nil {
		fields["output"] = *r.Output
	}
	if r.Error != nil {
		fields["error"] = *r.Error
	}
	return json.Marshal(fields)
}

// OutputText returns output, or the raw payload when no output field exists.
func (r *JobResult) OutputText() string {
	if r == nil {
		return ""
	}
	if r.Output != nil && *r.Output != "" {
		return *r.Output
	}
	if len(r.Raw) > 0 {
		return string(r.Raw)
	}
	return ""
}

func (r *JobResult) ErrorText() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return *r.Error
}

type Job struct {
	ID          int64      `json:"id"`
	Status      JobStatus  `json:"status"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model"`
	Cost        *string    `json:"cost"`
	Result      *JobResult `json:"result"`
	CreatedAt   string     `json:"created_at"`
	CompletedAt *string    `json:"completed_at"`
}

type Profile struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	WalletBalance Amount `json:"wallet_balance"`
}

// TrackedOutcome is the archived record of one tracking attempt.
type TrackedOutcome struct {
	ID         string    `json:"id"`
	JobID      int64     `json:"job_id"`
	State      string    `json:"state"`
	Status     JobStatus `json:"status"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	Result     string    `json:"result"`
	Message    string    `json:"message"`
	Strategy   string    `json:"strategy"`
	Polls      int       `json:"polls"`
	StartedAt  string    `json:"started_at"`
	FinishedAt string    `json:"finished_at"`
}

// Amount is a currency value the server may encode either as a JSON number
// or as a decimal string ("12.50").
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	if strings.TrimSpace(string(data)) == "null" {
		return nil
	}
	value, err := ParseAmount(data)
	if err != nil {
		return err
	}
	*a = Amount(value)
	return nil
}

func ParseAmount(data []byte) (float64, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return 0, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
			return 0, err
		}
		trimmed = strings.TrimSpace(text)
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", trimmed, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("amount %q is not finite", trimmed)
	}
	return value, nil
}
