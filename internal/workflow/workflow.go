// Package workflow runs a job as an ordered pipeline of named stages. A
// pipeline is a processor.Handler: each stage either hands its state to
// the next stage, awaits an external event before the next stage runs, or
// finishes the job.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/processor"
)

// StageFunc runs one stage. state is whatever the previous stage, or the
// stage before a suspension, handed on.
type StageFunc func(ctx context.Context, exec *processor.Execution, state json.RawMessage) (StageResult, error)

// Stage is a named step of a pipeline.
type Stage struct {
	Name string
	Run  StageFunc
}

type action int

const (
	actionNext action = iota
	actionAwait
	actionFinish
)

// StageResult tells the pipeline what to do after a stage.
type StageResult struct {
	action    action
	state     json.RawMessage
	result    json.RawMessage
	eventType string
	eventKey  string
	timeout   time.Duration
}

// Next continues with the following stage, handing it state. Returning
// Next from the last stage completes the job with state as its result.
func Next(state json.RawMessage) StageResult {
	return StageResult{action: actionNext, state: state}
}

// AwaitEvent suspends the job until (eventType, eventKey) arrives or
// timeout elapses; the following stage then runs with state.
func AwaitEvent(eventType, eventKey string, timeout time.Duration, state json.RawMessage) StageResult {
	return StageResult{
		action:    actionAwait,
		state:     state,
		eventType: eventType,
		eventKey:  eventKey,
		timeout:   timeout,
	}
}

// Finish completes the job early with result.
func Finish(result json.RawMessage) StageResult {
	return StageResult{action: actionFinish, result: result}
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	name   string
	stages []Stage
	index  map[string]int
}

var _ processor.Handler = (*Pipeline)(nil)

// NewPipeline creates a pipeline. Stage names must be unique and non-empty.
func NewPipeline(name string, stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s must have at least one stage", name)
	}

	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no name", name, i)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("pipeline %s: stage %s has no function", name, s.Name)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %s", name, s.Name)
		}
		index[s.Name] = i
	}

	return &Pipeline{name: name, stages: stages, index: index}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Execute runs the pipeline from exec.Stage, or from the first stage when
// the job has not run any. Cancellation is checked before and after every
// stage. Progress is persisted only when a stage awaits an event; a failed
// attempt restarts from the stage the job last resumed at.
func (p *Pipeline) Execute(ctx context.Context, exec *processor.Execution) processor.Outcome {
	start := 0
	if exec.Stage != "" {
		i, ok := p.index[exec.Stage]
		if !ok {
			return processor.Fail{Err: classify.Poison(fmt.Errorf("pipeline %s has no stage %q", p.name, exec.Stage))}
		}
		start = i
	}

	state := exec.State
	for i := start; i < len(p.stages); i++ {
		stage := p.stages[i]
		if exec.CancelRequested(ctx) {
			return processor.Fail{Err: fmt.Errorf("before stage %s: %w", stage.Name, classify.ErrCancelled)}
		}
		if err := ctx.Err(); err != nil {
			return processor.Fail{Err: err}
		}

		res, err := stage.Run(ctx, exec, state)
		if err != nil {
			return processor.Fail{Err: fmt.Errorf("stage %s: %w", stage.Name, err)}
		}
		if res.action == actionFinish {
			return processor.Done{Result: res.result}
		}
		if exec.CancelRequested(ctx) {
			return processor.Fail{Err: fmt.Errorf("after stage %s: %w", stage.Name, classify.ErrCancelled)}
		}

		if res.action == actionAwait {
			if i+1 == len(p.stages) {
				return processor.Fail{Err: classify.Fatalf("pipeline %s: last stage %s cannot await an event", p.name, stage.Name)}
			}
			return processor.Suspend{
				EventType: res.eventType,
				EventKey:  res.eventKey,
				Timeout:   res.timeout,
				State:     res.state,
				NextStage: p.stages[i+1].Name,
			}
		}
		state = res.state
	}

	return processor.Done{Result: state}
}
