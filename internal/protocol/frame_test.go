package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcrosbie/gridlink/internal/domain"
)

func TestDecodeKnownFrames(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"stats_update","stats":{"active_nodes":3,"available_models":2,"completed_jobs":10,"total_jobs":12}}`))
	require.NoError(t, err)
	stats, ok := frame.(StatsUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Stats.ActiveNodes)
	assert.Equal(t, int64(12), stats.Stats.TotalJobs)

	frame, err = Decode([]byte(`{"type":"models_update","models":[{"name":"llama3","providers":2}]}`))
	require.NoError(t, err)
	models := frame.(ModelsUpdate)
	require.Len(t, models.Models, 1)
	assert.Equal(t, "llama3", models.Models[0].Name)

	frame, err = Decode([]byte(`{"type":"balance_update","balance":"99.50"}`))
	require.NoError(t, err)
	assert.Equal(t, 99.5, frame.(BalanceUpdate).Balance)

	frame, err = Decode([]byte(`{"type":"balance_update","balance":12}`))
	require.NoError(t, err)
	assert.Equal(t, 12.0, frame.(BalanceUpdate).Balance)

	frame, err = Decode([]byte(`{"type":"job_update","job":{"id":42,"status":"completed","prompt":"hello","model":"llama3","result":{"output":"hi"}}}`))
	require.NoError(t, err)
	job := frame.(JobUpdate).Job
	assert.Equal(t, int64(42), job.ID)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, "hi", job.Result.OutputText())

	frame, err = Decode([]byte(`{"type":"jobs_update","jobs":[{"id":1,"status":"PENDING"},{"id":2,"status":"running"}]}`))
	require.NoError(t, err)
	jobs := frame.(JobsUpdate).Jobs
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.StatusRunning, jobs[1].Status)
	assert.Equal(t, TypeJobsUpdate, frame.Type())
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"provider_stats_update","stats":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	_, isApp := domain.AsAppError(err)
	assert.False(t, isApp)
}

func TestDecodeProtocolErrors(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"type":`,
		"no type":          `{"stats":{}}`,
		"missing payload":  `{"type":"stats_update"}`,
		"null payload":     `{"type":"job_update","job":null}`,
		"wrong shape":      `{"type":"models_update","models":{"name":"x"}}`,
		"bad balance":      `{"type":"balance_update","balance":"lots"}`,
		"missing balance":  `{"type":"balance_update"}`,
		"array not object": `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			appErr, ok := domain.AsAppError(err)
			require.True(t, ok, "expected protocol error, got %v", err)
			assert.Equal(t, domain.CodeProtocol, appErr.Code)
		})
	}
}
