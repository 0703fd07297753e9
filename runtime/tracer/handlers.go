package tracer

import (
	"context"
	"fmt"
	"time"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
)

type (
	// Handler is the lifecycle surface an orchestrator drives. It is
	// implemented by *Tracer and by stream.Publisher.
	//
	// Start calls are idempotent per run ID: starting a live run again returns
	// the existing record and invokes no hook. End, error and new-token calls fail with an error
	// wrapping ErrRunNotFound when the run is not live or not of the required
	// kind.
	Handler interface {
		HandleLLMStart(ctx context.Context, d *run.Descriptor, prompts []string, runID string, opts StartOptions) (*run.Run, error)
		HandleChatModelStart(ctx context.Context, d *run.Descriptor, messages [][]model.Message, runID string, opts StartOptions) (*run.Run, error)
		HandleLLMNewToken(ctx context.Context, runID, token string, chunk *model.GenerationChunk) (*run.Run, error)
		HandleLLMEnd(ctx context.Context, result model.Result, runID string, extra map[string]any) (*run.Run, error)
		HandleLLMError(ctx context.Context, err error, runID string, extra map[string]any) (*run.Run, error)
		HandleChainStart(ctx context.Context, d *run.Descriptor, inputs any, runID string, opts StartOptions) (*run.Run, error)
		HandleChainEnd(ctx context.Context, outputs any, runID string, inputs any) (*run.Run, error)
		HandleChainError(ctx context.Context, err error, runID string, inputs any) (*run.Run, error)
		HandleToolStart(ctx context.Context, d *run.Descriptor, input string, runID string, opts StartOptions) (*run.Run, error)
		HandleToolEnd(ctx context.Context, output any, runID string) (*run.Run, error)
		HandleToolError(ctx context.Context, err error, runID string) (*run.Run, error)
		HandleRetrieverStart(ctx context.Context, d *run.Descriptor, query string, runID string, opts StartOptions) (*run.Run, error)
		HandleRetrieverEnd(ctx context.Context, documents []model.Document, runID string) (*run.Run, error)
		HandleRetrieverError(ctx context.Context, err error, runID string) (*run.Run, error)
		HandleAgentAction(ctx context.Context, action model.AgentAction, runID string) (*run.Run, error)
		HandleAgentEnd(ctx context.Context, finish model.AgentFinish, runID string) (*run.Run, error)
		HandleText(ctx context.Context, text string, runID string) (*run.Run, error)
		HandleCustomEvent(ctx context.Context, name string, data any, runID string) error
	}

	// StartOptions carries the optional arguments of start calls.
	StartOptions struct {
		// ParentRunID links the run to its parent. Empty for roots.
		ParentRunID string
		// Tags are attached to the run unchanged.
		Tags []string
		// Metadata is stored under Extra["metadata"].
		Metadata map[string]any
		// Name overrides the name derived from the descriptor.
		Name string
		// ExtraParams are merged into Extra (model invocation parameters).
		ExtraParams map[string]any
		// RunType overrides the run type of chain starts. Defaults to "chain".
		RunType run.Type
	}
)

var _ Handler = (*Tracer)(nil)

// HandleLLMStart starts a completion model run with inputs {"prompts": prompts}.
func (t *Tracer) HandleLLMStart(ctx context.Context, d *run.Descriptor, prompts []string, runID string, opts StartOptions) (*run.Run, error) {
	return t.start(ctx, runID, run.TypeLLM, d, map[string]any{"prompts": prompts}, opts, t.hooks.OnLLMStart)
}

// HandleChatModelStart starts a chat model run with inputs
// {"messages": messages}. The run is tracked with type llm.
func (t *Tracer) HandleChatModelStart(ctx context.Context, d *run.Descriptor, messages [][]model.Message, runID string, opts StartOptions) (*run.Run, error) {
	return t.start(ctx, runID, run.TypeLLM, d, map[string]any{"messages": messages}, opts, t.hooks.OnLLMStart)
}

// HandleLLMNewToken records a streamed token on a live model run.
func (t *Tracer) HandleLLMNewToken(ctx context.Context, runID, token string, chunk *model.GenerationChunk) (*run.Run, error) {
	const op = "HandleLLMNewToken"
	t.mu.Lock()
	r, err := t.lookupLocked(op, runID, run.TypeLLM)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	kwargs := map[string]any{"token": token}
	if chunk != nil {
		kwargs["chunk"] = chunk
	}
	r.AddEvent(run.EventNewToken, kwargs)
	t.spanEventLocked(r.ID, run.EventNewToken, "token", token)
	t.mu.Unlock()

	if h := t.hooks.OnLLMNewToken; h != nil {
		if err := h(ctx, r, token, chunk); err != nil {
			return r, err
		}
	}
	return r, nil
}

// HandleLLMEnd ends a model run. Outputs are {"generations", "llmOutput"};
// extra is merged into the run's Extra.
func (t *Tracer) HandleLLMEnd(ctx context.Context, result model.Result, runID string, extra map[string]any) (*run.Run, error) {
	r, err := t.finishRun("HandleLLMEnd", runID, run.TypeLLM, run.EventEnd, func(r *run.Run) {
		r.Outputs = map[string]any{"generations": result.Generations, "llmOutput": result.LLMOutput}
		r.MergeExtra(extra)
	})
	if err != nil {
		return nil, err
	}
	return r, t.completeRun(ctx, r, t.hooks.OnLLMEnd)
}

// HandleLLMError ends a model run with an error.
func (t *Tracer) HandleLLMError(ctx context.Context, err error, runID string, extra map[string]any) (*run.Run, error) {
	r, ferr := t.finishRun("HandleLLMError", runID, run.TypeLLM, run.EventError, func(r *run.Run) {
		r.Error = stringifyError(err)
		r.MergeExtra(extra)
	})
	if ferr != nil {
		return nil, ferr
	}
	return r, t.completeRun(ctx, r, t.hooks.OnLLMError)
}

// HandleChainStart starts a chain run. Inputs that are not an object are
// stored under "input". opts.RunType overrides the default "chain" type.
func (t *Tracer) HandleChainStart(ctx context.Context, d *run.Descriptor, inputs any, runID string, opts StartOptions) (*run.Run, error) {
	typ := opts.RunType
	if typ == "" {
		typ = run.TypeChain
	}
	return t.start(ctx, runID, typ, d, run.Coerce(inputs, "input"), opts, t.hooks.OnChainStart)
}

// HandleChainEnd ends a chain run of any type. A non-nil inputs replaces the
// inputs recorded at start.
func (t *Tracer) HandleChainEnd(ctx context.Context, outputs any, runID string, inputs any) (*run.Run, error) {
	r, err := t.finishRun("HandleChainEnd", runID, "", run.EventEnd, func(r *run.Run) {
		r.Outputs = run.Coerce(outputs, "output")
		if inputs != nil {
			r.Inputs = run.Coerce(inputs, "input")
		}
	})
	if err != nil {
		return nil, err
	}
	return r, t.completeRun(ctx, r, t.hooks.OnChainEnd)
}

// HandleChainError ends a chain run with an error. A non-nil inputs replaces
// the inputs recorded at start.
func (t *Tracer) HandleChainError(ctx context.Context, err error, runID string, inputs any) (*run.Run, error) {
	r, ferr := t.finishRun("HandleChainError", runID, "", run.EventError, func(r *run.Run) {
		r.Error = stringifyError(err)
		if inputs != nil {
			r.Inputs = run.Coerce(inputs, "input")
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	return r, t.completeRun(ctx, r, t.hooks.OnChainError)
}

// HandleToolStart starts a tool run with inputs {"input": input}.
func (t *Tracer) HandleToolStart(ctx context.Context, d *run.Descriptor, input string, runID string, opts StartOptions) (*run.Run, error) {
	return t.start(ctx, runID, run.TypeTool, d, map[string]any{"input": input}, opts, t.hooks.OnToolStart)
}

// HandleToolEnd ends a tool run with outputs {"output": output}.
func (t *Tracer) HandleToolEnd(ctx context.Context, output any, runID string) (*run.Run, error) {
	r, err := t.finishRun("HandleToolEnd", runID, run.TypeTool, run.EventEnd, func(r *run.Run) {
		r.Outputs = map[string]any{"output": output}
	})
	if err != nil {
		return nil, err
	}
	return r, t.completeRun(ctx, r, t.hooks.OnToolEnd)
}

// HandleToolError ends a tool run with an error.
func (t *Tracer) HandleToolError(ctx context.Context, err error, runID string) (*run.Run, error) {
	r, ferr := t.finishRun("HandleToolError", runID, run.TypeTool, run.EventError, func(r *run.Run) {
		r.Error = stringifyError(err)
	})
	if ferr != nil {
		return nil, ferr
	}
	return r, t.completeRun(ctx, r, t.hooks.OnToolError)
}

// HandleRetrieverStart starts a retriever run with inputs {"query": query}.
func (t *Tracer) HandleRetrieverStart(ctx context.Context, d *run.Descriptor, query string, runID string, opts StartOptions) (*run.Run, error) {
	return t.start(ctx, runID, run.TypeRetriever, d, map[string]any{"query": query}, opts, t.hooks.OnRetrieverStart)
}

// HandleRetrieverEnd ends a retriever run with outputs {"documents": documents}.
func (t *Tracer) HandleRetrieverEnd(ctx context.Context, documents []model.Document, runID string) (*run.Run, error) {
	r, err := t.finishRun("HandleRetrieverEnd", runID, run.TypeRetriever, run.EventEnd, func(r *run.Run) {
		r.Outputs = map[string]any{"documents": documents}
	})
	if err != nil {
		return nil, err
	}
	return r, t.completeRun(ctx, r, t.hooks.OnRetrieverEnd)
}

// HandleRetrieverError ends a retriever run with an error.
func (t *Tracer) HandleRetrieverError(ctx context.Context, err error, runID string) (*run.Run, error) {
	r, ferr := t.finishRun("HandleRetrieverError", runID, run.TypeRetriever, run.EventError, func(r *run.Run) {
		r.Error = stringifyError(err)
	})
	if ferr != nil {
		return nil, ferr
	}
	return r, t.completeRun(ctx, r, t.hooks.OnRetrieverError)
}

// HandleAgentAction records an agent action on a live chain run. Calls for
// runs that are not live chains are ignored.
func (t *Tracer) HandleAgentAction(ctx context.Context, action model.AgentAction, runID string) (*run.Run, error) {
	r := t.logMilestone(runID, run.EventAgentAction, map[string]any{"action": action}, []any{"tool", action.Tool}, func(r *run.Run) {
		t.actions[r.ID] = append(t.actions[r.ID], action)
	})
	if r == nil {
		return nil, nil
	}
	return r, t.callHooks(ctx, r, t.hooks.OnAgentAction)
}

// HandleAgentEnd records an agent's final answer on a live chain run. Calls
// for runs that are not live chains are ignored.
func (t *Tracer) HandleAgentEnd(ctx context.Context, finish model.AgentFinish, runID string) (*run.Run, error) {
	r := t.logMilestone(runID, run.EventAgentEnd, map[string]any{"action": finish}, nil, nil)
	if r == nil {
		return nil, nil
	}
	return r, t.callHooks(ctx, r, t.hooks.OnAgentEnd)
}

// HandleText records free-form text on a live chain run. Calls for runs that
// are not live chains are ignored.
func (t *Tracer) HandleText(ctx context.Context, text string, runID string) (*run.Run, error) {
	r := t.logMilestone(runID, run.EventText, map[string]any{"text": text}, []any{"text", text}, nil)
	if r == nil {
		return nil, nil
	}
	return r, t.callHooks(ctx, r, t.hooks.OnText)
}

// HandleCustomEvent does nothing: custom events do not affect the run tree.
func (t *Tracer) HandleCustomEvent(context.Context, string, any, string) error {
	return nil
}

// start creates a run and invokes OnRunCreate then hook. Starting a run that
// is already live returns it without invoking any hook.
func (t *Tracer) start(ctx context.Context, runID string, typ run.Type, d *run.Descriptor, inputs map[string]any, opts StartOptions, hook RunHook) (*run.Run, error) {
	r, created := t.startRun(ctx, runID, typ, d, inputs, opts)
	if !created {
		return r, nil
	}
	return r, t.callHooks(ctx, r, t.hooks.OnRunCreate, hook)
}

// startRun returns the live run with the given ID or creates it. Lookup,
// execution order and insertion happen in one critical section.
func (t *Tracer) startRun(ctx context.Context, runID string, typ run.Type, d *run.Descriptor, inputs map[string]any, opts StartOptions) (*run.Run, bool) {
	t.mu.Lock()
	if existing, ok := t.runs[runID]; ok {
		t.mu.Unlock()
		return existing, false
	}
	order := t.executionOrderLocked(opts.ParentRunID)
	now := time.Now().UTC()
	extra := make(map[string]any, len(opts.ExtraParams)+1)
	for k, v := range opts.ExtraParams {
		extra[k] = v
	}
	if opts.Metadata != nil {
		extra["metadata"] = opts.Metadata
	}
	r := &run.Run{
		ID:                  runID,
		ParentRunID:         opts.ParentRunID,
		Name:                run.DisplayName(opts.Name, d),
		Type:                typ,
		StartTime:           now,
		ExecutionOrder:      order,
		ChildExecutionOrder: order,
		Serialized:          d,
		Inputs:              inputs,
		Extra:               extra,
		Tags:                append([]string{}, opts.Tags...),
		Events:              []run.Event{{Name: run.EventStart, Time: now}},
		ChildRuns:           []*run.Run{},
	}
	orphan := t.addRunLocked(ctx, r)
	t.mu.Unlock()
	if orphan {
		t.logger.Debug(ctx, "parent run not found, tracking run as trace root",
			"run_id", r.ID, "parent_run_id", r.ParentRunID)
	}
	return r, true
}

// finishRun sets the terminal fields of a live run. want restricts the run
// type when not empty.
func (t *Tracer) finishRun(op, runID string, want run.Type, milestone string, set func(*run.Run)) (*run.Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.lookupLocked(op, runID, want)
	if err != nil {
		return nil, err
	}
	if r.Ended() {
		return nil, &RunError{Op: op, RunID: runID, Reason: "already ended"}
	}
	now := time.Now().UTC()
	r.EndTime = &now
	set(r)
	r.Events = append(r.Events, run.Event{Name: milestone, Time: now})
	return r, nil
}

// completeRun invokes the terminal hook and then ends the run. A failing hook
// leaves the run live.
func (t *Tracer) completeRun(ctx context.Context, r *run.Run, hook RunHook) error {
	if hook != nil {
		if err := hook(ctx, r); err != nil {
			return err
		}
	}
	return t.EndRun(ctx, r)
}

// logMilestone appends a milestone to a live chain run and its span and
// returns the run, or returns nil when the run is absent or not a chain.
func (t *Tracer) logMilestone(runID, name string, kwargs map[string]any, attrs []any, also func(*run.Run)) *run.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok || r.Type != run.TypeChain {
		return nil
	}
	r.AddEvent(name, kwargs)
	t.spanEventLocked(r.ID, name, attrs...)
	if also != nil {
		also(r)
	}
	return r
}

func (t *Tracer) lookupLocked(op, runID string, want run.Type) (*run.Run, error) {
	r, ok := t.runs[runID]
	if !ok {
		return nil, &RunError{Op: op, RunID: runID, Reason: "not found in run map"}
	}
	if want != "" && r.Type != want {
		return nil, &RunError{Op: op, RunID: runID, Reason: fmt.Sprintf("has type %s, want %s", r.Type, want)}
	}
	return r, nil
}

// spanEventLocked mirrors a milestone onto the run's span, if any.
func (t *Tracer) spanEventLocked(runID, name string, attrs ...any) {
	if rs, ok := t.spanned[runID]; ok {
		rs.span.AddEvent(name, attrs...)
	}
}

func (t *Tracer) callHooks(ctx context.Context, r *run.Run, hooks ...RunHook) error {
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if err := h(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// stringifyError renders err with "%+v" so errors carrying stack traces
// include them.
func stringifyError(err error) string {
	if err == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%+v", err)
}
