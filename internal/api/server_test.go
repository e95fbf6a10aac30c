package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/api"
	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/dlq"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/status"
	"github.com/leejennwah/pipeline-engine/internal/storage/memory"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

type fixture struct {
	store  *memory.Store
	broker *broker.MemoryBroker
	server *api.Server
}

func newFixture(t *testing.T, policy enqueue.DuplicatePolicy) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := memory.New()
	b := broker.NewMemoryBroker()
	require.NoError(t, topology.NewInitializer(b, []string{"code-review"}, zap.NewNop()).Ensure(context.Background()))

	enq := enqueue.NewService(store, enqueue.Config{DefaultMaxRetries: 3, DuplicatePolicy: policy}, m, zap.NewNop())
	coord := resume.NewCoordinator(store, m, zap.NewNop(), resume.DefaultConfig())
	srv := api.NewServer(api.Deps{
		Enqueuer:    enq,
		Status:      status.NewService(store),
		Canceller:   coord,
		Events:      coord,
		DeadLetters: dlq.NewService(b, store, enq, zap.NewNop()),
		Gatherer:    reg,
	}, zap.NewNop())
	return &fixture{store: store, broker: b, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) enqueue(t *testing.T, correlationID string) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", enqueue.Request{
		WorkflowType:  "code-review",
		HandlerType:   "analyze",
		Payload:       json.RawMessage(`{"pr":1}`),
		CorrelationID: correlationID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[api.EnqueueResponse](t, rec).JobID
}

func TestEnqueueAndRead(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)
	id := f.enqueue(t, "pr-1")

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[status.Status](t, rec)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, job.StatusPending, st.Status)
	assert.Equal(t, "pr-1", st.CorrelationID)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[status.Detail](t, rec)
	assert.JSONEq(t, `{"pr":1}`, string(detail.Job.Payload))
	assert.Empty(t, detail.History)

	again := f.enqueue(t, "pr-1")
	assert.Equal(t, id, again)

	rec = f.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[status.Metrics](t, rec)
	assert.Equal(t, int64(1), m.QueueDepth[job.StatusPending])
	assert.Equal(t, int64(1), m.OutboxPending)
}

func TestEnqueue_Errors(t *testing.T) {
	f := newFixture(t, enqueue.Reject)
	existing := f.enqueue(t, "pr-1")

	tests := []struct {
		name string
		body any
		code int
	}{
		{"malformed body", "{", http.StatusBadRequest},
		{"missing handler", enqueue.Request{WorkflowType: "code-review"}, http.StatusBadRequest},
		{"duplicate", enqueue.Request{WorkflowType: "code-review", HandlerType: "analyze", CorrelationID: "pr-1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code == http.StatusConflict {
				resp := decode[api.ErrorResponse](t, rec)
				require.NotNil(t, resp.ExistingJobID)
				assert.Equal(t, existing, *resp.ExistingJobID)
			}
		})
	}
}

func TestJobLookupErrors(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/v1/jobs/"+uuid.NewString(), nil).Code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)
	id := f.enqueue(t, "pr-1")

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	j := decode[job.Job](t, rec)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ClassCancelled, j.ErrorClassification)

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)
	ctx := context.Background()

	j := job.NewJob("code-review", "analyze", json.RawMessage(`{}`), 3)
	_, err := f.store.Jobs().Create(ctx, j)
	require.NoError(t, err)
	require.NoError(t, j.MarkProcessing("worker-1"))
	require.NoError(t, j.Suspend(job.WaitSpec{
		EventType: "analysis.completed",
		EventKey:  "pr-9",
		TimeoutMs: time.Hour.Milliseconds(),
		PausedAt:  time.Now(),
	}, nil, "collect"))
	require.NoError(t, f.store.Jobs().Update(ctx, j, 1))

	rec := f.do(t, http.MethodPost, "/api/v1/events", api.EventRequest{EventType: "analysis.completed", EventKey: "pr-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[api.EventResponse](t, rec).Resumed)

	got, err := f.store.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/events", api.EventRequest{EventKey: "pr-9"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)
	ctx := context.Background()

	j := job.NewJob("code-review", "analyze", json.RawMessage(`{"pr":3}`), 1)
	_, err := f.store.Jobs().Create(ctx, j)
	require.NoError(t, err)
	require.NoError(t, j.MarkFailed(job.ClassPoison, "bad payload"))
	require.NoError(t, f.store.Jobs().Update(ctx, j, 0))
	msg := broker.NewJobMessage(j)
	msg.Classification = job.ClassPoison
	body, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, topology.DeadLetterExchange("code-review"), j.RoutingKey(), body, nil))

	rec := f.do(t, http.MethodGet, "/api/v1/dlq/code-review", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode[[]dlq.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, j.ID, entries[0].JobID)

	rec = f.do(t, http.MethodPost, "/api/v1/dlq/code-review/"+entries[0].MessageID+"/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	replayed := decode[api.ReplayResponse](t, rec).JobID
	assert.NotEqual(t, j.ID, replayed)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/dlq/code-review/0-0/replay", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/dlq/unknown", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/dlq/code-review?limit=-1", nil).Code)
}

type failingReader struct{ status.Reader }

func (failingReader) GetMetrics(context.Context) (*status.Metrics, error) {
	return nil, errors.New("connection reset")
}

func TestInternalErrorsHideDetail(t *testing.T) {
	srv := api.NewServer(api.Deps{Status: failingReader{}}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestHealthAndPrometheus(t *testing.T) {
	f := newFixture(t, enqueue.ReturnExisting)
	f.enqueue(t, "pr-1")

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "jobs_enqueued_total"), rec.Body.String())

	down := api.NewServer(api.Deps{Ready: func(context.Context) error { return errors.New("postgres down") }}, zap.NewNop())
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
