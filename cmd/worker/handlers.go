package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/processor"
	"github.com/leejennwah/pipeline-engine/internal/workflow"
)

const (
	reviewFamily         = "code-review"
	analysisCompleted    = "analysis.completed"
	analysisWaitDuration = 30 * time.Minute
)

type reviewState struct {
	Repository  string   `json:"repository"`
	PullRequest int      `json:"pull_request"`
	Files       []string `json:"files,omitempty"`
	Findings    int      `json:"findings,omitempty"`
}

// registerHandlers wires the built-in handlers into router.
func registerHandlers(router *processor.Router, logger *zap.Logger) error {
	review, err := workflow.NewPipeline("code-review.analyze",
		workflow.Stage{Name: "fetch", Run: fetchStage(logger)},
		workflow.Stage{Name: "request-analysis", Run: requestAnalysisStage},
		workflow.Stage{Name: "report", Run: reportStage(logger)},
	)
	if err != nil {
		return fmt.Errorf("build review pipeline: %w", err)
	}

	router.Register(reviewFamily, "analyze", review)
	router.Register(reviewFamily, "notify", processor.HandlerFunc(notifyHandler(logger)))
	router.Register(reviewFamily, "flaky", processor.HandlerFunc(flakyHandler(logger)))
	return nil
}

// fetchStage validates the pull request payload and lists its files.
func fetchStage(logger *zap.Logger) workflow.StageFunc {
	return func(ctx context.Context, exec *processor.Execution, _ json.RawMessage) (workflow.StageResult, error) {
		var st reviewState
		if err := json.Unmarshal(exec.Payload, &st); err != nil {
			return workflow.StageResult{}, fmt.Errorf("decode payload: %w", err)
		}
		if st.Repository == "" || st.PullRequest <= 0 {
			return workflow.StageResult{}, classify.Poison(fmt.Errorf("payload needs repository and pull_request"))
		}

		if err := simulateWork(ctx, 5, 20); err != nil {
			return workflow.StageResult{}, err
		}
		st.Files = []string{"go.mod", "main.go"}

		logger.Info("pull request fetched",
			zap.String("job_id", exec.JobID.String()),
			zap.String("repository", st.Repository),
			zap.Int("pull_request", st.PullRequest),
		)
		state, err := json.Marshal(st)
		if err != nil {
			return workflow.StageResult{}, err
		}
		return workflow.Next(state), nil
	}
}

// requestAnalysisStage parks the job until the analyzer reports back on
// the job's correlation id.
func requestAnalysisStage(_ context.Context, exec *processor.Execution, state json.RawMessage) (workflow.StageResult, error) {
	return workflow.AwaitEvent(analysisCompleted, exec.CorrelationID, analysisWaitDuration, state), nil
}

func reportStage(logger *zap.Logger) workflow.StageFunc {
	return func(ctx context.Context, exec *processor.Execution, state json.RawMessage) (workflow.StageResult, error) {
		var st reviewState
		if err := json.Unmarshal(state, &st); err != nil {
			return workflow.StageResult{}, fmt.Errorf("decode state: %w", err)
		}
		st.Findings = len(st.Files)

		logger.Info("review reported",
			zap.String("job_id", exec.JobID.String()),
			zap.String("repository", st.Repository),
			zap.Int("findings", st.Findings),
		)
		result, err := json.Marshal(st)
		if err != nil {
			return workflow.StageResult{}, err
		}
		return workflow.Finish(result), nil
	}
}

// notifyHandler simulates sending a notification.
func notifyHandler(logger *zap.Logger) processor.HandlerFunc {
	return func(ctx context.Context, exec *processor.Execution) processor.Outcome {
		logger.Info("executing notify task", zap.String("job_id", exec.JobID.String()))
		if err := simulateWork(ctx, 2, 10); err != nil {
			return processor.Fail{Err: err}
		}
		return processor.Done{}
	}
}

// flakyHandler simulates an unreliable external service. It fails
// failure_rate of its attempts with a retryable error, so jobs that
// exhaust their retries reach the dead-letter queue.
func flakyHandler(logger *zap.Logger) processor.HandlerFunc {
	return func(ctx context.Context, exec *processor.Execution) processor.Outcome {
		var payload struct {
			FailureRate float64 `json:"failure_rate"`
		}
		if err := json.Unmarshal(exec.Payload, &payload); err != nil {
			return processor.Fail{Err: fmt.Errorf("unmarshal payload: %w", err)}
		}
		if payload.FailureRate <= 0 {
			payload.FailureRate = 0.5
		}
		if err := simulateWork(ctx, 1, 5); err != nil {
			return processor.Fail{Err: err}
		}

		if rand.Float64() < payload.FailureRate {
			logger.Warn("flaky task failed",
				zap.String("job_id", exec.JobID.String()),
				zap.Int("attempt", exec.Attempt),
				zap.Float64("failure_rate", payload.FailureRate),
			)
			return processor.Fail{Err: classify.Transient(fmt.Errorf("simulated transient failure (retry %d)", exec.RetryCount))}
		}
		return processor.Done{}
	}
}

// simulateWork sleeps between minMs and maxMs milliseconds or until ctx
// is done.
func simulateWork(ctx context.Context, minMs, maxMs int) error {
	d := time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
