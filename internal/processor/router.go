package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/leejennwah/pipeline-engine/internal/classify"
)

// ErrNoHandler is reported for jobs whose (workflow, handler) pair has no
// registered handler.
var ErrNoHandler = errors.New("processor: no handler registered")

type routeKey struct {
	workflowType string
	handlerType  string
}

// Router dispatches jobs to handlers by workflow and handler type. All
// handlers must be registered before processing starts.
type Router struct {
	handlers map[routeKey]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[routeKey]Handler)}
}

// Register adds a handler, replacing any previous one for the same pair.
func (r *Router) Register(workflowType, handlerType string, h Handler) {
	r.handlers[routeKey{workflowType, handlerType}] = h
}

// Families returns the registered workflow types, sorted.
func (r *Router) Families() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range r.handlers {
		if !seen[k.workflowType] {
			seen[k.workflowType] = true
			out = append(out, k.workflowType)
		}
	}
	sort.Strings(out)
	return out
}

// Route runs the handler for exec. A missing handler is a poison failure
// and a panicking handler a fatal one.
func (r *Router) Route(ctx context.Context, exec *Execution) (out Outcome) {
	h, ok := r.handlers[routeKey{exec.WorkflowType, exec.HandlerType}]
	if !ok {
		return Fail{Err: classify.Poison(fmt.Errorf("%w for %s.%s", ErrNoHandler, exec.WorkflowType, exec.HandlerType))}
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = Fail{Err: classify.Fatal(fmt.Errorf("handler panic: %v", rec))}
		}
	}()

	out = h.Execute(ctx, exec)
	if out == nil {
		return Fail{Err: classify.Fatalf("handler %s.%s returned no outcome", exec.WorkflowType, exec.HandlerType)}
	}
	return out
}
