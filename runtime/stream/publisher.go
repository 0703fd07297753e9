package stream

import (
	"context"
	"sync"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracer"
)

type (
	// Option configures a Publisher.
	Option func(*Publisher)

	// Publisher is a run tracer that writes an Event to a channel for every
	// lifecycle transition. It embeds *tracer.Tracer, so it implements
	// tracer.Handler and keeps the full run tree; completed trees are
	// discarded.
	//
	// The channel is closed by Finish or Close. Writes after close are
	// dropped.
	Publisher struct {
		*tracer.Tracer

		filter    Filter
		autoClose bool
		bufSize   int
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		spans     telemetry.Tracer

		events    chan Event
		done      chan struct{}
		closeOnce sync.Once

		// sendMu guards closed. Senders hold it for reading while writing
		// to events.
		sendMu sync.RWMutex
		closed bool

		mu      sync.Mutex
		runInfo map[string]*runInfo
		taps    map[string]*tap
		pending []chan struct{}
		rootID  string
	}

	// runInfo is the subset of a run cached for event formatting. It lives
	// from the run's start event until its end event.
	runInfo struct {
		name     string
		runType  run.Type
		tags     []string
		metadata map[string]any
		// inputs is the input reported on the end event.
		inputs any
	}

	// tap tracks the reader that emits stream events for a run. done is
	// closed once that reader is exhausted, fails or is closed.
	tap struct {
		done chan struct{}
	}
)

const (
	metricEvents      = "runtrace.stream.events"
	metricFiltered    = "runtrace.stream.filtered"
	metricDropped     = "runtrace.stream.dropped"
	metricTapDuration = "runtrace.stream.tap_duration"
	metricLiveRuns    = "runtrace.stream.live_runs"
)

// DefaultBufferSize is the default capacity of the event channel.
const DefaultBufferSize = 64

var _ tracer.Handler = (*Publisher)(nil)

// NewPublisher returns a Publisher ready to receive lifecycle calls.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		autoClose: true,
		bufSize:   DefaultBufferSize,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		runInfo:   make(map[string]*runInfo),
		taps:      make(map[string]*tap),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = make(chan Event, p.bufSize)
	p.done = make(chan struct{})

	topts := []tracer.Option{tracer.WithLogger(p.logger), tracer.WithHooks(p.hooks())}
	if p.spans != nil {
		topts = append(topts, tracer.WithSpans(p.spans))
	}
	p.Tracer = tracer.New(tracer.NopPersister{}, topts...)
	return p
}

// WithAutoClose controls whether the stream finishes when the first run it
// saw ends, parentless or not. Defaults to true.
func WithAutoClose(enabled bool) Option {
	return func(p *Publisher) { p.autoClose = enabled }
}

// WithFilter restricts the runs whose events are written.
func WithFilter(f Filter) Option {
	return func(p *Publisher) { p.filter = f }
}

// WithBufferSize sets the event channel capacity. Zero makes every write wait
// for a reader. Negative values are ignored.
func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.bufSize = n
		}
	}
}

// WithLogger sets the logger used by the publisher and its tracer.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpans mirrors every run as an OTEL span.
func WithSpans(t telemetry.Tracer) Option {
	return func(p *Publisher) { p.spans = t }
}

// Events returns the channel consumers drain. It is closed by Finish, Close
// or, with auto-close, once the first root run has ended.
func (p *Publisher) Events() <-chan Event {
	return p.events
}

// HandleChainEnd ends a chain run. A non-nil inputs replaces the input
// reported on the end event.
func (p *Publisher) HandleChainEnd(ctx context.Context, outputs any, runID string, inputs any) (*run.Run, error) {
	p.overrideInputs(runID, inputs)
	return p.Tracer.HandleChainEnd(ctx, outputs, runID, inputs)
}

// HandleChainError ends a chain run with an error. A non-nil inputs replaces
// the input reported on the end event.
func (p *Publisher) HandleChainError(ctx context.Context, err error, runID string, inputs any) (*run.Run, error) {
	p.overrideInputs(runID, inputs)
	return p.Tracer.HandleChainError(ctx, err, runID, inputs)
}

// HandleCustomEvent writes an EventCustom event carrying data for a run
// started through this publisher. It does not change the run's state.
func (p *Publisher) HandleCustomEvent(ctx context.Context, name string, data any, runID string) error {
	info, ok := p.info(runID)
	if !ok {
		return &tracer.RunError{Op: "HandleCustomEvent", RunID: runID, Reason: "not found in run map"}
	}
	ev := Event{
		Event:    EventCustom,
		Name:     name,
		RunID:    runID,
		Tags:     info.tags,
		Metadata: info.metadata,
		Data:     Data{Custom: data},
	}
	p.send(ctx, ev, info)
	return nil
}

// Finish waits until every tap has completed and every deferred end event
// has been written, then closes the event channel. When ctx is done first
// the channel is closed anyway and ctx.Err() is returned.
func (p *Publisher) Finish(ctx context.Context) error {
	p.mu.Lock()
	waits := make([]chan struct{}, 0, len(p.taps)+len(p.pending))
	for _, t := range p.taps {
		waits = append(waits, t.done)
	}
	waits = append(waits, p.pending...)
	p.mu.Unlock()

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			p.Close()
			return ctx.Err()
		}
	}
	p.Close()
	return nil
}

// Close closes the event channel immediately. Pending and future writes are
// dropped. Close is idempotent.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.sendMu.Lock()
		p.closed = true
		close(p.events)
		p.sendMu.Unlock()
	})
}

func (p *Publisher) hooks() tracer.Hooks {
	return tracer.Hooks{
		OnRunCreate:      p.onRunCreate,
		OnRunUpdate:      p.onRunUpdate,
		OnLLMStart:       p.onLLMStart,
		OnLLMNewToken:    p.onLLMNewToken,
		OnLLMEnd:         p.ended("HandleLLMEnd", p.onLLMEnd),
		OnLLMError:       p.ended("HandleLLMError", p.onLLMEnd),
		OnChainStart:     p.onChainStart,
		OnChainEnd:       p.ended("HandleChainEnd", p.onChainEnd),
		OnChainError:     p.ended("HandleChainError", p.onChainEnd),
		OnToolStart:      p.onToolStart,
		OnToolEnd:        p.ended("HandleToolEnd", p.onToolEnd),
		OnToolError:      p.ended("HandleToolError", p.onToolEnd),
		OnRetrieverStart: p.onRetrieverStart,
		OnRetrieverEnd:   p.ended("HandleRetrieverEnd", p.onRetrieverEnd),
		OnRetrieverError: p.ended("HandleRetrieverError", p.onRetrieverEnd),
	}
}

// ended adapts an end formatter into a hook that first releases the run's
// cached state. op names the lifecycle call in misuse errors.
func (p *Publisher) ended(op string, fn func(context.Context, *run.Run, *runInfo)) tracer.RunHook {
	return func(ctx context.Context, r *run.Run) error {
		info, err := p.unregister(op, r.ID)
		if err != nil {
			return err
		}
		fn(ctx, r, info)
		return nil
	}
}

// onRunCreate records the first run created as the stream root, whether it
// is parentless or attached to a parent this publisher never saw.
func (p *Publisher) onRunCreate(_ context.Context, r *run.Run) error {
	p.mu.Lock()
	if p.rootID == "" {
		p.rootID = r.ID
	}
	p.mu.Unlock()
	return nil
}

func (p *Publisher) onRunUpdate(_ context.Context, r *run.Run) error {
	p.mu.Lock()
	root := p.rootID == r.ID
	p.mu.Unlock()
	if root && p.autoClose {
		go func() { _ = p.Finish(context.Background()) }()
	}
	return nil
}

func (p *Publisher) onLLMStart(ctx context.Context, r *run.Run) error {
	t := run.TypeLLM
	if _, ok := r.Inputs["messages"]; ok {
		t = run.TypeChatModel
	}
	info := p.register(r, t, r.Inputs)
	p.send(ctx, p.event(info, r.ID, PhaseStart, Data{Input: r.Inputs}), info)
	return nil
}

func (p *Publisher) onLLMNewToken(ctx context.Context, r *run.Run, token string, chunk *model.GenerationChunk) error {
	p.mu.Lock()
	info, ok := p.runInfo[r.ID]
	sole := len(p.runInfo) == 1
	p.mu.Unlock()
	if !ok {
		return &tracer.RunError{Op: "HandleLLMNewToken", RunID: r.ID, Reason: "not found in run map"}
	}
	if sole {
		// Output of the only live run is surfaced by TapOutput.
		return nil
	}
	var out any
	switch {
	case info.runType == run.TypeChatModel && chunk != nil && chunk.Message != nil:
		out = chunk.Message
	case info.runType == run.TypeChatModel:
		out = &model.MessageChunk{Role: "assistant", Content: token}
	case chunk != nil:
		out = chunk
	default:
		out = &model.GenerationChunk{Text: token}
	}
	p.send(ctx, p.event(info, r.ID, PhaseStream, Data{Chunk: out}), info)
	return nil
}

func (p *Publisher) onLLMEnd(ctx context.Context, r *run.Run, info *runInfo) {
	data := Data{Input: info.inputs, Error: r.Error}
	if r.Error == "" {
		generations, _ := r.Outputs["generations"].([][]model.Generation)
		llmOutput, _ := r.Outputs["llmOutput"].(map[string]any)
		result := model.Result{Generations: generations, LLMOutput: llmOutput}
		if info.runType == run.TypeChatModel {
			if msg := result.FirstMessage(); msg != nil {
				data.Output = msg
			}
		} else {
			data.Output = llmEndOutput(result)
		}
	}
	p.sendEnd(ctx, p.event(info, r.ID, PhaseEnd, data), info)
}

func (p *Publisher) onChainStart(ctx context.Context, r *run.Run) error {
	var (
		input  any
		inputs any
	)
	switch v, ok := r.Inputs["input"]; {
	case ok && len(r.Inputs) == 1 && v == "":
		// Placeholder for input that is streamed in later.
		inputs = map[string]any{}
	case ok:
		input, inputs = v, v
	default:
		input, inputs = r.Inputs, r.Inputs
	}
	info := p.register(r, r.Type, inputs)
	p.send(ctx, p.event(info, r.ID, PhaseStart, Data{Input: input}), info)
	return nil
}

func (p *Publisher) onChainEnd(ctx context.Context, r *run.Run, info *runInfo) {
	input := info.inputs
	if m, ok := input.(map[string]any); ok && len(m) == 1 {
		if v, ok := m["input"]; ok && v != nil && v != "" {
			input = v
		}
	}
	data := Data{Input: input, Error: r.Error}
	if r.Error == "" {
		if out, ok := r.Outputs["output"]; ok {
			data.Output = out
		} else {
			data.Output = r.Outputs
		}
	}
	p.sendEnd(ctx, p.event(info, r.ID, PhaseEnd, data), info)
}

func (p *Publisher) onToolStart(ctx context.Context, r *run.Run) error {
	input := r.Inputs["input"]
	info := p.register(r, run.TypeTool, input)
	p.send(ctx, p.event(info, r.ID, PhaseStart, Data{Input: input}), info)
	return nil
}

func (p *Publisher) onToolEnd(ctx context.Context, r *run.Run, info *runInfo) {
	data := Data{Input: info.inputs, Error: r.Error}
	if r.Error == "" {
		data.Output = r.Outputs["output"]
	}
	p.sendEnd(ctx, p.event(info, r.ID, PhaseEnd, data), info)
}

func (p *Publisher) onRetrieverStart(ctx context.Context, r *run.Run) error {
	info := p.register(r, run.TypeRetriever, r.Inputs)
	p.send(ctx, p.event(info, r.ID, PhaseStart, Data{Input: r.Inputs}), info)
	return nil
}

func (p *Publisher) onRetrieverEnd(ctx context.Context, r *run.Run, info *runInfo) {
	data := Data{Input: info.inputs, Error: r.Error}
	if r.Error == "" {
		data.Output = r.Outputs["documents"]
	}
	p.sendEnd(ctx, p.event(info, r.ID, PhaseEnd, data), info)
}

// register caches the run state used to format the run's events.
func (p *Publisher) register(r *run.Run, t run.Type, inputs any) *runInfo {
	metadata, _ := r.Extra["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{}
	}
	info := &runInfo{
		name:     r.Name,
		runType:  t,
		tags:     append([]string(nil), r.Tags...),
		metadata: metadata,
		inputs:   inputs,
	}
	p.mu.Lock()
	p.runInfo[r.ID] = info
	p.metrics.RecordGauge(metricLiveRuns, float64(len(p.runInfo)))
	p.mu.Unlock()
	return info
}

// unregister removes and returns the cached state of a run.
func (p *Publisher) unregister(op, runID string) (*runInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.runInfo[runID]
	if !ok {
		return nil, &tracer.RunError{Op: op, RunID: runID, Reason: "not found in run map"}
	}
	delete(p.runInfo, runID)
	p.metrics.RecordGauge(metricLiveRuns, float64(len(p.runInfo)))
	return info, nil
}

func (p *Publisher) info(runID string) (*runInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.runInfo[runID]
	return info, ok
}

func (p *Publisher) overrideInputs(runID string, inputs any) {
	if inputs == nil {
		return
	}
	p.mu.Lock()
	if info, ok := p.runInfo[runID]; ok {
		info.inputs = run.Coerce(inputs, "input")
	}
	p.mu.Unlock()
}

func (p *Publisher) event(info *runInfo, runID string, phase Phase, data Data) Event {
	return Event{
		Event:    EventName(info.runType, phase),
		Name:     info.name,
		RunID:    runID,
		Tags:     info.tags,
		Metadata: info.metadata,
		Data:     data,
	}
}

// send writes ev unless the run is filtered out or the channel is closed.
// A blocked write is released by Close or by ctx.
func (p *Publisher) send(ctx context.Context, ev Event, info *runInfo) {
	if !p.filter.Include(info.name, info.runType, info.tags) {
		p.metrics.IncCounter(metricFiltered, 1, "event", ev.Event)
		return
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		p.drop(ctx, ev, "stream closed")
		return
	}
	select {
	case p.events <- ev:
		p.metrics.IncCounter(metricEvents, 1, "event", ev.Event)
	case <-p.done:
		p.drop(ctx, ev, "stream closed")
	case <-ctx.Done():
		p.drop(ctx, ev, ctx.Err().Error())
	}
}

// sendEnd writes an end event. When the run's output is being tapped the
// write is deferred until the tap is done; sendEnd itself does not block.
func (p *Publisher) sendEnd(ctx context.Context, ev Event, info *runInfo) {
	p.mu.Lock()
	t, tapped := p.taps[ev.RunID]
	var sent chan struct{}
	if tapped {
		sent = make(chan struct{})
		p.pending = append(p.pending, sent)
	}
	p.mu.Unlock()
	if !tapped {
		p.send(ctx, ev, info)
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(sent)
		select {
		case <-t.done:
			p.send(ctx, ev, info)
		case <-p.done:
			p.drop(ctx, ev, "stream closed")
		}
	}()
}

func (p *Publisher) drop(ctx context.Context, ev Event, reason string) {
	p.metrics.IncCounter(metricDropped, 1, "event", ev.Event)
	p.logger.Debug(ctx, "stream event dropped", "event", ev.Event, "run_id", ev.RunID, "reason", reason)
}

// llmEndOutput reshapes a completion result into its event form.
func llmEndOutput(result model.Result) map[string]any {
	generations := make([][]map[string]any, len(result.Generations))
	for i, gens := range result.Generations {
		generations[i] = make([]map[string]any, len(gens))
		for j, g := range gens {
			generations[i][j] = map[string]any{"text": g.Text, "generationInfo": g.GenerationInfo}
		}
	}
	llmOutput := result.LLMOutput
	if llmOutput == nil {
		llmOutput = map[string]any{}
	}
	return map[string]any{"generations": generations, "llmOutput": llmOutput}
}
