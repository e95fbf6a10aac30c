// Package client provides a Go SDK for the pipeline engine API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client communicates with the pipeline engine API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new pipeline engine client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode    int
	Message       string
	ExistingJobID *uuid.UUID
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Tenant scopes a job to an organization.
type Tenant struct {
	OrganizationID string `json:"organization_id"`
	TeamID         string `json:"team_id,omitempty"`
}

// EnqueueRequest is the request body for creating a job.
type EnqueueRequest struct {
	WorkflowType  string            `json:"workflow_type"`
	HandlerType   string            `json:"handler_type"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	MaxRetries    *int              `json:"max_retries,omitempty"`
	Tenant        *Tenant           `json:"tenant,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// WaitSpec describes the event a suspended job waits for.
type WaitSpec struct {
	EventType string    `json:"event_type"`
	EventKey  string    `json:"event_key"`
	TimeoutMs int64     `json:"timeout_ms"`
	PausedAt  time.Time `json:"paused_at"`
}

// Status is the polling view of a job.
type Status struct {
	ID                  uuid.UUID  `json:"id"`
	CorrelationID       string     `json:"correlation_id"`
	WorkflowType        string     `json:"workflow_type"`
	HandlerType         string     `json:"handler_type"`
	Status              string     `json:"status"`
	CurrentStage        string     `json:"current_stage,omitempty"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	ErrorClassification string     `json:"error_classification,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	WaitingForEvent     *WaitSpec  `json:"waiting_for_event,omitempty"`
	CancelRequested     bool       `json:"cancel_requested"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Job is the full stored job record.
type Job struct {
	ID                  uuid.UUID         `json:"id"`
	CorrelationID       string            `json:"correlation_id"`
	WorkflowType        string            `json:"workflow_type"`
	HandlerType         string            `json:"handler_type"`
	Payload             json.RawMessage   `json:"payload"`
	Status              string            `json:"status"`
	Priority            int               `json:"priority"`
	RetryCount          int               `json:"retry_count"`
	MaxRetries          int               `json:"max_retries"`
	ErrorClassification string            `json:"error_classification,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	Result              json.RawMessage   `json:"result,omitempty"`
	CurrentStage        string            `json:"current_stage,omitempty"`
	WaitingForEvent     *WaitSpec         `json:"waiting_for_event,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CancelRequested     bool              `json:"cancel_requested"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// Attempt is one execution attempt of a job.
type Attempt struct {
	ID           uuid.UUID  `json:"id"`
	Attempt      int        `json:"attempt_number"`
	Status       string     `json:"status"`
	ErrorType    string     `json:"error_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
}

// Detail is a job with its attempt history.
type Detail struct {
	Job     Job       `json:"job"`
	History []Attempt `json:"history"`
}

// Metrics is the aggregate view over all jobs.
type Metrics struct {
	QueueDepth      map[string]int64 `json:"queue_depth"`
	StatusHistogram map[string]int64 `json:"status_histogram"`
	CompletedToday  int64            `json:"completed_today"`
	FailedToday     int64            `json:"failed_today"`
	AvgProcessingMs float64          `json:"avg_processing_ms"`
	SuccessRate     float64          `json:"success_rate"`
	OutboxPending   int64            `json:"outbox_pending"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// DeadLetter is one dead-lettered message.
type DeadLetter struct {
	MessageID      string    `json:"message_id"`
	RoutingKey     string    `json:"routing_key"`
	DeathQueue     string    `json:"death_queue,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
	JobID          uuid.UUID `json:"job_id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Malformed      bool      `json:"malformed"`
	Body           string    `json:"body,omitempty"`
}

type jobIDResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// Enqueue submits a job and returns its id. A repeated correlation id
// returns the existing job's id, or an *APIError with ExistingJobID set
// when the server rejects duplicates.
func (c *Client) Enqueue(ctx context.Context, req *EnqueueRequest) (uuid.UUID, error) {
	var resp jobIDResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.JobID, nil
}

// GetStatus retrieves the status view of a job.
func (c *Client) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id.String()+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetJob retrieves a job and its attempt history.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*Detail, error) {
	var d Detail
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id.String(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Cancel requests cancellation of a job and returns it as stored afterwards.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// SendEvent delivers an external event and returns how many jobs resumed.
func (c *Client) SendEvent(ctx context.Context, eventType, eventKey string) (int, error) {
	body := map[string]string{"event_type": eventType, "event_key": eventKey}
	var resp struct {
		Resumed int `json:"resumed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", body, &resp); err != nil {
		return 0, err
	}
	return resp.Resumed, nil
}

// GetMetrics retrieves aggregate job metrics.
func (c *Client) GetMetrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDeadLetters lists up to limit dead-letter entries of a workflow
// family. A non-positive limit uses the server default.
func (c *Client) ListDeadLetters(ctx context.Context, family string, limit int) ([]DeadLetter, error) {
	path := "/api/v1/dlq/" + url.PathEscape(family)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []DeadLetter
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReplayDeadLetter re-enqueues a dead-lettered job and returns the new id.
func (c *Client) ReplayDeadLetter(ctx context.Context, family, messageID string) (uuid.UUID, error) {
	var resp jobIDResponse
	path := "/api/v1/dlq/" + url.PathEscape(family) + "/" + url.PathEscape(messageID) + "/replay"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.JobID, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var payload struct {
			Error         string     `json:"error"`
			ExistingJobID *uuid.UUID `json:"existing_job_id"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.ExistingJobID = payload.ExistingJobID
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
