// Package tracer maps lifecycle callbacks onto an in-memory tree of runs.
//
// A Tracer keeps every live run in a map keyed by run ID. Starting a run
// assigns its execution order, trace ID and dotted order; ending a run links
// it into its live parent's ChildRuns, or, when it has no live parent, hands
// the completed tree to the Persister. Runs are removed from the live map as
// soon as they complete.
//
// Callers must end children before their parents. The tracer does not
// enforce that ordering; a parent ended first is persisted without the
// children that complete afterwards.
//
// Extension points are expressed through Hooks, a struct of optional
// callbacks invoked after the tree has been updated:
//
//	t := tracer.New(store, tracer.WithHooks(tracer.Hooks{
//	    OnToolEnd: func(ctx context.Context, r *run.Run) error {
//	        log.Printf("tool %s returned %v", r.Name, r.Outputs["output"])
//	        return nil
//	    },
//	}))
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/telemetry"
)

type (
	// Persister receives every completed root run together with its linked
	// subtree. It is called exactly once per root, after all descendants that
	// completed earlier have been linked.
	Persister interface {
		PersistRun(ctx context.Context, r *run.Run) error
	}

	// PersistFunc adapts a function to the Persister interface.
	PersistFunc func(ctx context.Context, r *run.Run) error

	// NopPersister discards completed runs.
	NopPersister struct{}

	// RunHook is invoked with the run affected by a lifecycle call.
	RunHook func(ctx context.Context, r *run.Run) error

	// TokenHook is invoked for every new token streamed by a model run.
	TokenHook func(ctx context.Context, r *run.Run, token string, chunk *model.GenerationChunk) error

	// Hooks groups the optional extension callbacks. A nil field is not
	// invoked. Errors returned by hooks propagate to the lifecycle caller.
	//
	// OnLLMStart is invoked for both completion and chat model runs.
	Hooks struct {
		OnRunCreate      RunHook
		OnRunUpdate      RunHook
		OnLLMStart       RunHook
		OnLLMNewToken    TokenHook
		OnLLMEnd         RunHook
		OnLLMError       RunHook
		OnChainStart     RunHook
		OnChainEnd       RunHook
		OnChainError     RunHook
		OnToolStart      RunHook
		OnToolEnd        RunHook
		OnToolError      RunHook
		OnRetrieverStart RunHook
		OnRetrieverEnd   RunHook
		OnRetrieverError RunHook
		OnAgentAction    RunHook
		OnAgentEnd       RunHook
		OnText           RunHook
	}

	// Option configures a Tracer.
	Option func(*Tracer)

	// Tracer tracks live runs and links them into trees. It is safe for
	// concurrent use. Run records returned by its methods are owned by the
	// tracer until the run completes; callers must not mutate them.
	Tracer struct {
		persister Persister
		hooks     Hooks
		logger    telemetry.Logger
		spans     telemetry.Tracer

		mu      sync.Mutex
		runs    map[string]*run.Run
		actions map[string][]model.AgentAction
		spanned map[string]runSpan
	}

	// RunError reports a lifecycle call that referenced a run the tracker
	// cannot act on. It wraps ErrRunNotFound.
	RunError struct {
		// Op names the lifecycle operation, e.g. "HandleToolEnd".
		Op string
		// RunID is the run the operation referenced.
		RunID string
		// Reason describes why the run could not be used.
		Reason string
	}

	runSpan struct {
		ctx  context.Context
		span telemetry.Span
	}
)

// ErrRunNotFound is wrapped by every protocol-misuse error: the referenced run
// is not live, already ended, or not of the kind the operation requires.
var ErrRunNotFound = errors.New("run not found")

// New returns a Tracer that hands completed root runs to p. A nil p discards
// them.
func New(p Persister, opts ...Option) *Tracer {
	if p == nil {
		p = NopPersister{}
	}
	t := &Tracer{
		persister: p,
		logger:    telemetry.NewNoopLogger(),
		runs:      make(map[string]*run.Run),
		actions:   make(map[string][]model.AgentAction),
		spanned:   make(map[string]runSpan),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithHooks installs extension callbacks.
func WithHooks(h Hooks) Option {
	return func(t *Tracer) { t.hooks = h }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Tracer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithSpans mirrors every run as a span created by tr. A child run's span is
// parented on its live parent's span; root spans are parented on the context
// given to the start call.
func WithSpans(tr telemetry.Tracer) Option {
	return func(t *Tracer) { t.spans = tr }
}

// PersistRun calls f(ctx, r).
func (f PersistFunc) PersistRun(ctx context.Context, r *run.Run) error {
	return f(ctx, r)
}

// PersistRun does nothing.
func (NopPersister) PersistRun(context.Context, *run.Run) error {
	return nil
}

// Error implements error.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: run ID %s %s", e.Op, e.RunID, e.Reason)
}

// Unwrap returns ErrRunNotFound.
func (e *RunError) Unwrap() error {
	return ErrRunNotFound
}

// ExecutionOrder returns the execution order of a new run started under
// parentID: 1 when parentID is empty or not live, the parent's
// ChildExecutionOrder plus one otherwise. The value must be computed before
// the new run is added since adding it raises the parent's counter.
func (t *Tracer) ExecutionOrder(parentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionOrderLocked(parentID)
}

// AddRun computes the run's trace ID and dotted order, raises its live
// parent's child execution order, and stores it in the live map. The caller
// sets ID, ParentRunID, StartTime and ExecutionOrder beforehand.
//
// A run whose declared parent is not live is stored as its own trace root.
func (t *Tracer) AddRun(ctx context.Context, r *run.Run) *run.Run {
	t.mu.Lock()
	orphan := t.addRunLocked(ctx, r)
	t.mu.Unlock()
	if orphan {
		t.logger.Debug(ctx, "parent run not found, tracking run as trace root",
			"run_id", r.ID, "parent_run_id", r.ParentRunID)
	}
	return r
}

// EndRun completes a run whose terminal fields are already set. A run with a
// live parent is linked into the parent's ChildRuns and raises the parent's
// child execution order; any other run is handed to the Persister. The run
// then leaves the live map and OnRunUpdate is invoked.
//
// When persisting fails the run stays live and the error is returned.
func (t *Tracer) EndRun(ctx context.Context, r *run.Run) error {
	t.mu.Lock()
	var parent *run.Run
	if r.ParentRunID != "" {
		parent = t.runs[r.ParentRunID]
	}
	if parent != nil {
		parent.ChildExecutionOrder = max(parent.ChildExecutionOrder, r.ChildExecutionOrder)
		parent.ChildRuns = append(parent.ChildRuns, r)
	}
	t.mu.Unlock()

	if parent == nil {
		if err := t.persister.PersistRun(ctx, r); err != nil {
			return fmt.Errorf("persist run %s: %w", r.ID, err)
		}
	}

	t.mu.Lock()
	delete(t.runs, r.ID)
	delete(t.actions, r.ID)
	rs, spanned := t.spanned[r.ID]
	delete(t.spanned, r.ID)
	t.mu.Unlock()

	if spanned {
		endSpan(rs.span, r)
	}
	if h := t.hooks.OnRunUpdate; h != nil {
		return h(ctx, r)
	}
	return nil
}

// Run returns the live run with the given ID.
func (t *Tracer) Run(id string) (*run.Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	return r, ok
}

// Len returns the number of live runs.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// Actions returns the agent actions recorded for a live chain run.
func (t *Tracer) Actions(id string) []model.AgentAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.AgentAction(nil), t.actions[id]...)
}

// Ancestors returns the live ancestry of the run with the given ID, root
// first and ending with the run itself. Ancestors that already left the live
// map cut the chain.
func (t *Tracer) Ancestors(id string) []*run.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	var chain []*run.Run
	for r := t.runs[id]; r != nil && len(chain) <= len(t.runs); r = t.runs[r.ParentRunID] {
		chain = append(chain, r)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (t *Tracer) executionOrderLocked(parentID string) int {
	if parentID == "" {
		return 1
	}
	parent, ok := t.runs[parentID]
	if !ok {
		return 1
	}
	return parent.ChildExecutionOrder + 1
}

// addRunLocked stores r and reports whether its declared parent was missing.
func (t *Tracer) addRunLocked(ctx context.Context, r *run.Run) bool {
	if r.ChildExecutionOrder < r.ExecutionOrder {
		r.ChildExecutionOrder = r.ExecutionOrder
	}
	segment := run.OrderSegment(r.StartTime, r.ExecutionOrder, r.ID)

	var parent *run.Run
	if r.ParentRunID != "" {
		parent = t.runs[r.ParentRunID]
	}
	spanCtx := ctx
	if parent != nil {
		parent.ChildExecutionOrder = max(parent.ChildExecutionOrder, r.ChildExecutionOrder)
		r.TraceID = parent.TraceID
		r.DottedOrder = run.JoinDottedOrder(parent.DottedOrder, segment)
		if rs, ok := t.spanned[parent.ID]; ok {
			spanCtx = rs.ctx
		}
	} else {
		r.TraceID = r.ID
		r.DottedOrder = segment
	}
	t.runs[r.ID] = r

	if t.spans != nil {
		sctx, span := t.spans.Start(spanCtx, r.Name,
			trace.WithTimestamp(r.StartTime),
			trace.WithAttributes(
				attribute.String("run.id", r.ID),
				attribute.String("run.type", string(r.Type)),
				attribute.String("run.trace_id", r.TraceID),
				attribute.String("run.dotted_order", r.DottedOrder),
				attribute.StringSlice("run.tags", r.Tags),
			))
		t.spanned[r.ID] = runSpan{ctx: sctx, span: span}
	}
	return r.ParentRunID != "" && parent == nil
}

func endSpan(span telemetry.Span, r *run.Run) {
	if r.Error != "" {
		span.RecordError(errors.New(r.Error))
		span.SetStatus(codes.Error, r.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if r.EndTime != nil {
		span.End(trace.WithTimestamp(*r.EndTime))
		return
	}
	span.End()
}
