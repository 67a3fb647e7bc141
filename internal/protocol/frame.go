// Package protocol decodes push-channel frames into typed values.
//
// Every frame is a JSON object with a "type" discriminator and one payload
// field. Decode returns exactly one of the five Frame implementations below;
// anything else is either ErrUnknownType (a well-formed envelope this client
// does not consume) or a protocol error.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bcrosbie/gridlink/internal/domain"
)

const (
	TypeStatsUpdate   = "stats_update"
	TypeModelsUpdate  = "models_update"
	TypeBalanceUpdate = "balance_update"
	TypeJobsUpdate    = "jobs_update"
	TypeJobUpdate     = "job_update"
)

// ErrUnknownType marks a well-formed frame whose type is not consumed here.
var ErrUnknownType = errors.New("unknown frame type")

type Frame interface {
	Type() string
	isFrame()
}

type StatsUpdate struct {
	Stats domain.NetworkStats
}

type ModelsUpdate struct {
	Models []domain.ModelInfo
}

type BalanceUpdate struct {
	Balance float64
}

// JobsUpdate is the bulk snapshot sent once after connect.
type JobsUpdate struct {
	Jobs []domain.Job
}

type JobUpdate struct {
	Job domain.Job
}

func (StatsUpdate) Type() string   { return TypeStatsUpdate }
func (ModelsUpdate) Type() string  { return TypeModelsUpdate }
func (BalanceUpdate) Type() string { return TypeBalanceUpdate }
func (JobsUpdate) Type() string    { return TypeJobsUpdate }
func (JobUpdate) Type() string     { return TypeJobUpdate }

func (StatsUpdate) isFrame()   {}
func (ModelsUpdate) isFrame()  {}
func (BalanceUpdate) isFrame() {}
func (JobsUpdate) isFrame()    {}
func (JobUpdate) isFrame()     {}

type envelope struct {
	Type    string          `json:"type"`
	Stats   json.RawMessage `json:"stats"`
	Models  json.RawMessage `json:"models"`
	Balance json.RawMessage `json:"balance"`
	Jobs    json.RawMessage `json:"jobs"`
	Job     json.RawMessage `json:"job"`
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.Protocol("malformed frame", err)
	}
	frameType := strings.TrimSpace(env.Type)
	if frameType == "" {
		return nil, domain.Protocol("frame has no type", nil)
	}

	switch frameType {
	case TypeStatsUpdate:
		var stats domain.NetworkStats
		if err := decodePayload(frameType, "stats", env.Stats, &stats); err != nil {
			return nil, err
		}
		return StatsUpdate{Stats: stats}, nil
	case TypeModelsUpdate:
		var models []domain.ModelInfo
		if err := decodePayload(frameType, "models", env.Models, &models); err != nil {
			return nil, err
		}
		return ModelsUpdate{Models: models}, nil
	case TypeBalanceUpdate:
		if isAbsent(env.Balance) {
			return nil, domain.Protocol(frameType+" has no balance", nil)
		}
		balance, err := domain.ParseAmount(env.Balance)
		if err != nil {
			return nil, domain.Protocol(frameType+" has an invalid balance", err)
		}
		return BalanceUpdate{Balance: balance}, nil
	case TypeJobsUpdate:
		var jobs []domain.Job
		if err := decodePayload(frameType, "jobs", env.Jobs, &jobs); err != nil {
			return nil, err
		}
		for i := range jobs {
			jobs[i].Status = domain.ParseJobStatus(string(jobs[i].Status))
		}
		return JobsUpdate{Jobs: jobs}, nil
	case TypeJobUpdate:
		var job domain.Job
		if err := decodePayload(frameType, "job", env.Job, &job); err != nil {
			return nil, err
		}
		job.Status = domain.ParseJobStatus(string(job.Status))
		return JobUpdate{Job: job}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frameType)
	}
}

func decodePayload(frameType, field string, raw json.RawMessage, target any) error {
	if isAbsent(raw) {
		return domain.Protocol(fmt.Sprintf("%s has no %s", frameType, field), nil)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return domain.Protocol(fmt.Sprintf("%s has an invalid %s", frameType, field), err)
	}
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
