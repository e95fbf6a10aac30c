package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	payload := json.RawMessage(`{"key":"value"}`)
	j := NewJob("code-review", "analyze", payload, 3)

	if j.ID.String() == "" {
		t.Error("expected non-empty ID")
	}
	if j.CorrelationID == "" {
		t.Error("expected generated correlation id")
	}
	if j.RoutingKey() != "code-review.analyze" {
		t.Errorf("expected routing key 'code-review.analyze', got '%s'", j.RoutingKey())
	}
	if j.Status != StatusPending {
		t.Errorf("expected status 'pending', got '%s'", j.Status)
	}
	if j.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", j.MaxRetries)
	}
	if j.RetryCount != 0 {
		t.Errorf("expected retry_count 0, got %d", j.RetryCount)
	}
}

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, false},
		{"pending to failed", StatusPending, StatusFailed, false},
		{"processing to completed", StatusProcessing, StatusCompleted, false},
		{"processing to failed", StatusProcessing, StatusFailed, false},
		{"processing to suspended", StatusProcessing, StatusSuspended, false},
		{"processing to pending", StatusProcessing, StatusPending, false},
		{"suspended to pending", StatusSuspended, StatusPending, false},
		{"suspended to failed", StatusSuspended, StatusFailed, false},

		// Invalid transitions.
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to suspended", StatusPending, StatusSuspended, true},
		{"suspended to processing", StatusSuspended, StatusProcessing, true},
		{"suspended to completed", StatusSuspended, StatusCompleted, true},
		{"completed to processing", StatusCompleted, StatusProcessing, true},
		{"failed to pending", StatusFailed, StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Status: tt.from}
			err := j.TransitionTo(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("TransitionTo(%s -> %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if err == nil && j.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, j.Status)
			}
		})
	}
}

func TestMarkProcessing(t *testing.T) {
	j := &Job{Status: StatusPending}
	if err := j.MarkProcessing("worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if j.Status != StatusProcessing {
		t.Errorf("expected status processing, got %s", j.Status)
	}
	if j.WorkerID != "worker-1" {
		t.Errorf("expected worker_id 'worker-1', got '%s'", j.WorkerID)
	}
	if j.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", j.Attempt)
	}
	if j.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestMarkCompleted(t *testing.T) {
	j := &Job{Status: StatusProcessing, LastError: "earlier failure", ErrorClassification: ClassRetryable}
	if err := j.MarkCompleted(json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", j.Status)
	}
	if j.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if j.LastError != "" || j.ErrorClassification != ClassNone {
		t.Errorf("expected error fields cleared, got %q / %q", j.LastError, j.ErrorClassification)
	}
	if string(j.Result) != `{"ok":true}` {
		t.Errorf("expected result to be stored, got %s", j.Result)
	}
}

func TestSuspendAndResume(t *testing.T) {
	j := &Job{Status: StatusProcessing, WorkerID: "worker-1"}
	wait := WaitSpec{EventType: "analysis.completed", EventKey: "task-7", TimeoutMs: 60000}

	if err := j.Suspend(wait, json.RawMessage(`{"step":1}`), "collect"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusSuspended {
		t.Errorf("expected status suspended, got %s", j.Status)
	}
	if j.WaitingForEvent == nil || j.WaitingForEvent.PausedAt.IsZero() {
		t.Fatal("expected waiting_for_event with paused_at")
	}
	if j.CurrentStage != "collect" {
		t.Errorf("expected current_stage 'collect', got '%s'", j.CurrentStage)
	}
	if j.WorkerID != "" {
		t.Errorf("expected worker_id cleared, got '%s'", j.WorkerID)
	}

	if err := j.Resume(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusPending {
		t.Errorf("expected status pending, got %s", j.Status)
	}
	if j.WaitingForEvent != nil {
		t.Error("expected waiting_for_event cleared")
	}
	if string(j.PipelineState) != `{"step":1}` {
		t.Errorf("expected pipeline state kept, got %s", j.PipelineState)
	}
}

func TestSuspend_InvalidWait(t *testing.T) {
	tests := []struct {
		name string
		wait WaitSpec
	}{
		{"missing event type", WaitSpec{EventKey: "k", TimeoutMs: 1000}},
		{"zero timeout", WaitSpec{EventType: "t", EventKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Status: StatusProcessing}
			err := j.Suspend(tt.wait, nil, "")
			if !errors.Is(err, ErrInvalidWait) {
				t.Errorf("expected ErrInvalidWait, got %v", err)
			}
			if j.Status != StatusProcessing {
				t.Errorf("expected status unchanged, got %s", j.Status)
			}
		})
	}
}

func TestWaitSpec_Expired(t *testing.T) {
	paused := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := WaitSpec{EventType: "t", EventKey: "k", TimeoutMs: 1000, PausedAt: paused}

	if w.Expired(paused.Add(999 * time.Millisecond)) {
		t.Error("expected wait not expired before deadline")
	}
	if !w.Expired(paused.Add(time.Second)) {
		t.Error("expected wait expired at deadline")
	}
	if !w.Matches("t", "k") || w.Matches("t", "other") {
		t.Error("unexpected match result")
	}
}

func TestCanRetry(t *testing.T) {
	j := &Job{RetryCount: 2, MaxRetries: 3}
	if !j.CanRetry() {
		t.Error("expected CanRetry to return true when retry_count < max_retries")
	}

	j.RetryCount = 3
	if j.CanRetry() {
		t.Error("expected CanRetry to return false when retry_count >= max_retries")
	}
}

func TestScheduleRetry(t *testing.T) {
	j := &Job{Status: StatusProcessing, MaxRetries: 1}
	runAt := time.Now().Add(time.Second).UTC()

	if err := j.ScheduleRetry("connection reset", runAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusPending || j.RetryCount != 1 {
		t.Errorf("expected pending with retry_count 1, got %s/%d", j.Status, j.RetryCount)
	}
	if j.ScheduledAt == nil || !j.ScheduledAt.Equal(runAt) {
		t.Errorf("expected scheduled_at %s, got %v", runAt, j.ScheduledAt)
	}

	j.Status = StatusProcessing
	if err := j.ScheduleRetry("again", runAt); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	j := &Job{Status: StatusSuspended, WaitingForEvent: &WaitSpec{EventType: "t"}}
	if err := j.MarkFailed(ClassTimeout, "wait timed out"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusFailed {
		t.Errorf("expected status failed, got %s", j.Status)
	}
	if j.ErrorClassification != ClassTimeout {
		t.Errorf("expected classification timeout, got %s", j.ErrorClassification)
	}
	if j.WaitingForEvent != nil {
		t.Error("expected waiting_for_event cleared on failure")
	}
	if j.LastError != "wait timed out" {
		t.Errorf("expected error message 'wait timed out', got '%s'", j.LastError)
	}
}

func TestRequeue(t *testing.T) {
	j := &Job{Status: StatusProcessing, WorkerID: "worker-1", RetryCount: 1}
	if err := j.Requeue(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusPending || j.RetryCount != 1 {
		t.Errorf("expected pending with unchanged retry_count, got %s/%d", j.Status, j.RetryCount)
	}

	j.Status = StatusSuspended
	if err := j.Requeue(); err == nil {
		t.Error("expected error when requeueing a suspended job")
	}
}

func TestClassification_DeadLetters(t *testing.T) {
	for _, c := range []Classification{ClassFatal, ClassPoison, ClassTimeout, ClassRetryableExhausted} {
		if !c.DeadLetters() {
			t.Errorf("expected %s to dead-letter", c)
		}
	}
	if ClassCancelled.DeadLetters() {
		t.Error("expected cancelled not to dead-letter")
	}
}

func TestHistory_Close(t *testing.T) {
	j := &Job{Attempt: 2, CurrentStage: "fetch"}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHistory(j, start)

	if h.AttemptNumber != 2 || h.Status != StatusProcessing {
		t.Errorf("unexpected opened history: %+v", h)
	}
	if err := h.Close(StatusCompleted, ClassNone, "", start.Add(1500*time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.DurationMs != 1500 {
		t.Errorf("expected duration 1500ms, got %d", h.DurationMs)
	}
	if err := h.Close(StatusFailed, ClassFatal, "late", start); !errors.Is(err, ErrHistoryClosed) {
		t.Errorf("expected ErrHistoryClosed, got %v", err)
	}
	if h.Status != StatusCompleted {
		t.Errorf("expected closed history to stay completed, got %s", h.Status)
	}
}
