package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
	"github.com/leejennwah/pipeline-engine/internal/storage/memory"
)

func newService(store storage.Store, policy DuplicatePolicy) *Service {
	return NewService(store, Config{DefaultMaxRetries: 3, DuplicatePolicy: policy},
		metrics.New(prometheus.NewRegistry()), zap.NewNop())
}

func request(correlationID string) Request {
	return Request{
		WorkflowType:  "code-review",
		HandlerType:   "analyze",
		Payload:       json.RawMessage(`{"repo":"engine"}`),
		CorrelationID: correlationID,
	}
}

func TestEnqueue_WritesJobAndOutboxMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	id, err := newService(store, ReturnExisting).Enqueue(ctx, request(""))
	require.NoError(t, err)

	j, err := store.Jobs().GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 3, j.MaxRetries)
	assert.NotEmpty(t, j.CorrelationID)

	messages := store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "code-review", messages[0].Exchange)
	assert.Equal(t, "code-review.analyze", messages[0].MessageType)

	body, err := broker.DecodeJobMessage(messages[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, id, body.JobID)
	assert.Equal(t, 0, body.Attempt)
}

func TestEnqueue_DuplicateReturnsExisting(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store, ReturnExisting)

	first, err := svc.Enqueue(ctx, request("pr-42"))
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, request("pr-42"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.Messages(), 1, "duplicates must not publish again")
}

func TestEnqueue_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store, Reject)

	first, err := svc.Enqueue(ctx, request("pr-42"))
	require.NoError(t, err)

	_, err = svc.Enqueue(ctx, request("pr-42"))
	require.ErrorIs(t, err, ErrDuplicate)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first, dup.ExistingID)
}

func TestEnqueue_Validation(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		req  Request
	}{
		{"missing workflow type", Request{HandlerType: "analyze"}},
		{"missing handler type", Request{WorkflowType: "code-review"}},
		{"invalid payload", Request{WorkflowType: "code-review", HandlerType: "analyze", Payload: json.RawMessage(`{`)}},
		{"negative retries", Request{WorkflowType: "code-review", HandlerType: "analyze", MaxRetries: &negative}},
		{"tenant without organization", Request{WorkflowType: "code-review", HandlerType: "analyze", Tenant: &job.Tenant{TeamID: "t"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newService(memory.New(), ReturnExisting).Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEnqueue_UnknownWorkflowTypeRejected(t *testing.T) {
	store := memory.New()
	svc := NewService(store, Config{DefaultMaxRetries: 3, Families: []string{"code-review"}},
		metrics.New(prometheus.NewRegistry()), zap.NewNop())

	req := request("corr-unknown")
	req.WorkflowType = "no-such-family"
	_, err := svc.Enqueue(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, store.Messages())

	_, err = store.Jobs().GetByCorrelationID(context.Background(), "corr-unknown")
	assert.ErrorIs(t, err, job.ErrNotFound)

	_, err = svc.Enqueue(context.Background(), request("corr-known"))
	require.NoError(t, err)
}

func TestEnqueue_ExplicitMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zero := 0

	req := request("")
	req.MaxRetries = &zero
	id, err := newService(store, ReturnExisting).Enqueue(ctx, req)
	require.NoError(t, err)

	j, err := store.Jobs().GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, j.MaxRetries)
}

type failingOutboxStore struct {
	*memory.Store
}

func (s failingOutboxStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.Store.InTx(ctx, func(tx storage.Tx) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	storage.Tx
}

func (t failingTx) Outbox() outbox.Repository {
	return failingOutbox{t.Tx.Outbox()}
}

type failingOutbox struct {
	outbox.Repository
}

func (failingOutbox) Add(context.Context, *outbox.Message) error {
	return errors.New("disk full")
}

func TestEnqueue_RollsBackWhenOutboxWriteFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	_, err := newService(failingOutboxStore{store}, ReturnExisting).Enqueue(ctx, request("pr-7"))
	require.Error(t, err)

	_, err = store.Jobs().GetByCorrelationID(ctx, "pr-7")
	assert.ErrorIs(t, err, job.ErrNotFound, "job row must not survive without its message")
}
