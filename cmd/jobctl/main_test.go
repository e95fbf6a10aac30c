package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/api"
	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/dlq"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/status"
	"github.com/leejennwah/pipeline-engine/internal/storage/memory"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

func newServer(t *testing.T) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := memory.New()
	b := broker.NewMemoryBroker()
	require.NoError(t, topology.NewInitializer(b, []string{"code-review"}, zap.NewNop()).Ensure(context.Background()))
	enq := enqueue.NewService(store, enqueue.Config{DefaultMaxRetries: 3}, m, zap.NewNop())
	coord := resume.NewCoordinator(store, m, zap.NewNop(), resume.DefaultConfig())

	srv := httptest.NewServer(api.NewServer(api.Deps{
		Enqueuer:    enq,
		Status:      status.NewService(store),
		Canceller:   coord,
		Events:      coord,
		DeadLetters: dlq.NewService(b, store, enq, zap.NewNop()),
		Gatherer:    reg,
	}, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv.URL
}

func jobctl(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobctl(t *testing.T) {
	server := newServer(t)

	out, err := jobctl(t, server, "enqueue", "code-review", "analyze",
		"--payload", `{"pr":5}`, "--correlation-id", "pr-5", "--max-retries", "1", "--meta", "source=cli")
	require.NoError(t, err)
	var created struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEqual(t, uuid.Nil, created.JobID)

	out, err = jobctl(t, server, "status", created.JobID.String())
	require.NoError(t, err)
	var st struct {
		Status        string `json:"status"`
		MaxRetries    int    `json:"max_retries"`
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, 1, st.MaxRetries)
	assert.Equal(t, "pr-5", st.CorrelationID)

	out, err = jobctl(t, server, "get", created.JobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"source": "cli"`)

	out, err = jobctl(t, server, "event", "analysis.completed", "pr-5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"resumed":0}`, out)

	out, err = jobctl(t, server, "cancel", created.JobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"cancelled"`)

	out, err = jobctl(t, server, "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, `"failed": 1`)

	out, err = jobctl(t, server, "dlq", "list", "code-review", "-n", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestJobctl_Errors(t *testing.T) {
	server := newServer(t)

	_, err := jobctl(t, server, "status", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid job id")

	_, err = jobctl(t, server, "status", uuid.NewString())
	assert.ErrorContains(t, err, "404")

	_, err = jobctl(t, server, "enqueue", "code-review", "analyze", "--payload", "{")
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = jobctl(t, server, "dlq", "replay", "code-review", "0-0")
	assert.ErrorContains(t, err, "404")
}
