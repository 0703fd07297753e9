package tracer_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/run/inmem"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracer"
)

var (
	chainDesc = &run.Descriptor{Name: "C"}
	toolDesc  = &run.Descriptor{ID: []string{"tools", "T"}}
)

func TestChainWithToolTree(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	tr := tracer.New(store)

	c, err := tr.HandleChainStart(ctx, chainDesc, map[string]any{"question": "?"}, "c1", tracer.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, c.ExecutionOrder)
	require.Equal(t, "c1", c.TraceID)
	require.Equal(t, run.OrderSegment(c.StartTime, 1, "c1"), c.DottedOrder)

	tool, err := tr.HandleToolStart(ctx, toolDesc, "6*7", "t1", tracer.StartOptions{ParentRunID: "c1", Tags: []string{"math"}})
	require.NoError(t, err)
	require.Equal(t, "T", tool.Name)
	require.Equal(t, 2, tool.ExecutionOrder)
	require.Equal(t, "c1", tool.TraceID)
	require.Equal(t, c.DottedOrder+"."+run.OrderSegment(tool.StartTime, 2, "t1"), tool.DottedOrder)
	require.Equal(t, map[string]any{"input": "6*7"}, tool.Inputs)

	_, err = tr.HandleToolEnd(ctx, "42", "t1")
	require.NoError(t, err)
	require.Equal(t, 1, tr.Len())
	require.Zero(t, store.Len())

	_, err = tr.HandleChainEnd(ctx, map[string]any{"result": "ok"}, "c1", nil)
	require.NoError(t, err)
	require.Zero(t, tr.Len())

	roots := store.Runs()
	require.Len(t, roots, 1)
	root := roots[0]
	require.Equal(t, "c1", root.ID)
	require.Equal(t, 2, root.ChildExecutionOrder)
	require.Equal(t, map[string]any{"result": "ok"}, root.Outputs)
	require.Equal(t, run.StatusCompleted, root.Status())
	require.Len(t, root.ChildRuns, 1)
	child := root.ChildRuns[0]
	require.Equal(t, "t1", child.ID)
	require.Equal(t, map[string]any{"output": "42"}, child.Outputs)
	require.Equal(t, []string{"math"}, child.Tags)
	require.Equal(t, []string{run.EventStart, run.EventEnd}, eventNames(child))
}

func TestExecutionOrderPropagatesThroughGrandchildren(t *testing.T) {
	ctx := context.Background()
	tr := tracer.New(nil)

	_, err := tr.HandleChainStart(ctx, chainDesc, "go", "root", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleChainStart(ctx, chainDesc, "go", "mid", tracer.StartOptions{ParentRunID: "root"})
	require.NoError(t, err)
	leaf, err := tr.HandleLLMStart(ctx, nil, []string{"hi"}, "leaf", tracer.StartOptions{ParentRunID: "mid"})
	require.NoError(t, err)
	require.Equal(t, 3, leaf.ExecutionOrder)

	_, err = tr.HandleLLMEnd(ctx, model.Result{}, "leaf", nil)
	require.NoError(t, err)
	_, err = tr.HandleChainEnd(ctx, "done", "mid", nil)
	require.NoError(t, err)

	sibling, err := tr.HandleToolStart(ctx, toolDesc, "x", "sib", tracer.StartOptions{ParentRunID: "root"})
	require.NoError(t, err)
	require.Equal(t, 4, sibling.ExecutionOrder)
	require.Equal(t, 5, tr.ExecutionOrder("root"))
	require.Equal(t, 1, tr.ExecutionOrder("missing"))
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := tracer.New(nil)
	first, err := tr.HandleChainStart(ctx, chainDesc, "a", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	second, err := tr.HandleChainStart(ctx, chainDesc, "b", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, tr.Len())
	require.Equal(t, map[string]any{"input": "a"}, second.Inputs)
}

func TestMisuseErrors(t *testing.T) {
	ctx := context.Background()
	tr := tracer.New(nil)

	_, err := tr.HandleToolEnd(ctx, "x", "never")
	require.ErrorIs(t, err, tracer.ErrRunNotFound)
	require.Contains(t, err.Error(), "HandleToolEnd")
	require.Contains(t, err.Error(), "never")

	_, err = tr.HandleLLMNewToken(ctx, "never", "tok", nil)
	require.ErrorIs(t, err, tracer.ErrRunNotFound)

	_, err = tr.HandleChainStart(ctx, chainDesc, "in", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleLLMEnd(ctx, model.Result{}, "c1", nil)
	require.ErrorIs(t, err, tracer.ErrRunNotFound)
	_, err = tr.HandleRetrieverError(ctx, errors.New("boom"), "c1")
	require.ErrorIs(t, err, tracer.ErrRunNotFound)
	var re *tracer.RunError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "c1", re.RunID)

	_, err = tr.HandleChainEnd(ctx, "out", "c1", nil)
	require.NoError(t, err)
	_, err = tr.HandleChainEnd(ctx, "out", "c1", nil)
	require.ErrorIs(t, err, tracer.ErrRunNotFound)
	require.Zero(t, tr.Len())
}

func TestOrphanRunBecomesTraceRoot(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	tr := tracer.New(store)

	r, err := tr.HandleToolStart(ctx, toolDesc, "q", "t9", tracer.StartOptions{ParentRunID: "gone"})
	require.NoError(t, err)
	require.Equal(t, 1, r.ExecutionOrder)
	require.Equal(t, "t9", r.TraceID)
	require.Equal(t, run.OrderSegment(r.StartTime, 1, "t9"), r.DottedOrder)

	_, err = tr.HandleToolEnd(ctx, "a", "t9")
	require.NoError(t, err)
	got, err := store.Load(ctx, "t9")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "gone", got.ParentRunID)
}

func TestPersistFailureKeepsRunLive(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	calls := 0
	tr := tracer.New(tracer.PersistFunc(func(context.Context, *run.Run) error {
		calls++
		return boom
	}))
	_, err := tr.HandleChainStart(ctx, chainDesc, "in", "c1", tracer.StartOptions{})
	require.NoError(t, err)

	_, err = tr.HandleChainEnd(ctx, "out", "c1", nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
	_, live := tr.Run("c1")
	require.True(t, live)
}

func TestErrorHandlersRecordError(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	tr := tracer.New(store)

	_, err := tr.HandleChainStart(ctx, chainDesc, map[string]any{"input": "x"}, "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleChainError(ctx, errors.New("bad input"), "c1", map[string]any{"input": "y"})
	require.NoError(t, err)

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "bad input", got.Error)
	require.Equal(t, run.StatusFailed, got.Status())
	require.Equal(t, map[string]any{"input": "y"}, got.Inputs)
	require.Equal(t, []string{run.EventStart, run.EventError}, eventNames(got))
}

func TestLLMRunRecordsTokensAndExtra(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	tr := tracer.New(store)

	r, err := tr.HandleChatModelStart(ctx, &run.Descriptor{Name: "gpt"}, [][]model.Message{{{Role: "user", Content: "hi"}}}, "l1", tracer.StartOptions{
		Metadata:    map[string]any{"tenant": "acme"},
		ExtraParams: map[string]any{"temperature": 0.2},
	})
	require.NoError(t, err)
	require.Equal(t, run.TypeLLM, r.Type)
	require.Contains(t, r.Inputs, "messages")
	require.Equal(t, map[string]any{"tenant": "acme"}, r.Extra["metadata"])
	require.Equal(t, 0.2, r.Extra["temperature"])

	_, err = tr.HandleLLMNewToken(ctx, "l1", "he", nil)
	require.NoError(t, err)
	_, err = tr.HandleLLMNewToken(ctx, "l1", "llo", &model.GenerationChunk{Text: "llo"})
	require.NoError(t, err)

	result := model.Result{
		Generations: [][]model.Generation{{{Text: "hello"}}},
		LLMOutput:   map[string]any{"tokens": 2},
	}
	_, err = tr.HandleLLMEnd(ctx, result, "l1", map[string]any{"model": "gpt-x"})
	require.NoError(t, err)

	got, err := store.Load(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "gpt-x", got.Extra["model"])
	require.Equal(t, result.Generations, got.Outputs["generations"])
	require.Equal(t, result.LLMOutput, got.Outputs["llmOutput"])
	require.Equal(t, []string{run.EventStart, run.EventNewToken, run.EventNewToken, run.EventEnd}, eventNames(got))
	require.Equal(t, "he", got.Events[1].Kwargs["token"])
}

func TestRetrieverRun(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	tr := tracer.New(store)

	_, err := tr.HandleRetrieverStart(ctx, nil, "golang", "r1", tracer.StartOptions{Name: "docs"})
	require.NoError(t, err)
	docs := []model.Document{{PageContent: "Go is fun"}}
	_, err = tr.HandleRetrieverEnd(ctx, docs, "r1")
	require.NoError(t, err)

	got, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "docs", got.Name)
	require.Equal(t, map[string]any{"query": "golang"}, got.Inputs)
	require.Equal(t, map[string]any{"documents": docs}, got.Outputs)
}

func TestAgentMilestones(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	var seen []string
	tr := tracer.New(store, tracer.WithHooks(tracer.Hooks{
		OnAgentAction: func(_ context.Context, r *run.Run) error {
			seen = append(seen, "action:"+r.ID)
			return nil
		},
		OnText: func(_ context.Context, r *run.Run) error {
			seen = append(seen, "text:"+r.ID)
			return nil
		},
	}))

	_, err := tr.HandleChainStart(ctx, &run.Descriptor{Name: "AgentExecutor"}, "q", "a1", tracer.StartOptions{})
	require.NoError(t, err)
	action := model.AgentAction{Tool: "search", ToolInput: "go", Log: "thinking"}
	_, err = tr.HandleAgentAction(ctx, action, "a1")
	require.NoError(t, err)
	_, err = tr.HandleText(ctx, "note", "a1")
	require.NoError(t, err)
	_, err = tr.HandleAgentEnd(ctx, model.AgentFinish{ReturnValues: map[string]any{"output": "done"}}, "a1")
	require.NoError(t, err)
	require.Equal(t, []model.AgentAction{action}, tr.Actions("a1"))

	r, err := tr.HandleAgentAction(ctx, action, "unknown")
	require.NoError(t, err)
	require.Nil(t, r)

	_, err = tr.HandleChainEnd(ctx, "done", "a1", nil)
	require.NoError(t, err)
	require.Empty(t, tr.Actions("a1"))
	require.Equal(t, []string{"action:a1", "text:a1"}, seen)

	got, err := store.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []string{run.EventStart, run.EventAgentAction, run.EventText, run.EventAgentEnd, run.EventEnd}, eventNames(got))
}

func TestHooksAreInvokedAndErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	var calls []string
	record := func(name string) tracer.RunHook {
		return func(_ context.Context, r *run.Run) error {
			calls = append(calls, name+":"+r.ID)
			return nil
		}
	}
	boom := errors.New("hook failed")
	tr := tracer.New(nil, tracer.WithHooks(tracer.Hooks{
		OnRunCreate:  record("create"),
		OnRunUpdate:  record("update"),
		OnChainStart: record("chain_start"),
		OnChainEnd:   record("chain_end"),
		OnToolStart: func(context.Context, *run.Run) error {
			return boom
		},
		OnLLMNewToken: func(_ context.Context, r *run.Run, token string, _ *model.GenerationChunk) error {
			calls = append(calls, "token:"+token)
			return nil
		},
	}))

	_, err := tr.HandleChainStart(ctx, chainDesc, "x", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleToolStart(ctx, toolDesc, "x", "t1", tracer.StartOptions{ParentRunID: "c1"})
	require.ErrorIs(t, err, boom)
	_, live := tr.Run("t1")
	require.True(t, live)

	_, err = tr.HandleLLMStart(ctx, nil, []string{"p"}, "l1", tracer.StartOptions{ParentRunID: "c1"})
	require.NoError(t, err)
	_, err = tr.HandleLLMNewToken(ctx, "l1", "tok", nil)
	require.NoError(t, err)

	_, err = tr.HandleChainEnd(ctx, "y", "c1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"create:c1", "chain_start:c1",
		"create:t1",
		"create:l1",
		"token:tok",
		"chain_end:c1", "update:c1",
	}, calls)
}

func TestAncestors(t *testing.T) {
	ctx := context.Background()
	tr := tracer.New(nil)
	_, err := tr.HandleChainStart(ctx, chainDesc, "x", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleToolStart(ctx, toolDesc, "x", "t1", tracer.StartOptions{ParentRunID: "c1"})
	require.NoError(t, err)

	chain := tr.Ancestors("t1")
	require.Len(t, chain, 2)
	require.Equal(t, "c1", chain[0].ID)
	require.Equal(t, "t1", chain[1].ID)
	require.Empty(t, tr.Ancestors("missing"))
}

func TestRunsAreMirroredAsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tr := tracer.New(nil, tracer.WithSpans(telemetry.NewTracer(tp)))
	_, err := tr.HandleChainStart(ctx, chainDesc, "x", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleToolStart(ctx, toolDesc, "x", "t1", tracer.StartOptions{ParentRunID: "c1"})
	require.NoError(t, err)
	_, err = tr.HandleToolError(ctx, errors.New("timeout"), "t1")
	require.NoError(t, err)
	_, err = tr.HandleChainEnd(ctx, "y", "c1", nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	tool, chain := spans[0], spans[1]
	require.Equal(t, "T", tool.Name())
	require.Equal(t, "C", chain.Name())
	require.Equal(t, chain.SpanContext().TraceID(), tool.SpanContext().TraceID())
	require.Equal(t, chain.SpanContext().SpanID(), tool.Parent().SpanID())
	require.Equal(t, codes.Error, tool.Status().Code)
	require.Equal(t, codes.Ok, chain.Status().Code)
	require.Len(t, tool.Events(), 1)
	require.Equal(t, "exception", tool.Events()[0].Name)
	require.Empty(t, chain.Events())
}

func TestMilestonesAreMirroredAsSpanEvents(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tr := tracer.New(nil, tracer.WithSpans(telemetry.NewTracer(tp)))
	_, err := tr.HandleChainStart(ctx, chainDesc, "x", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleAgentAction(ctx, model.AgentAction{Tool: "search", ToolInput: "go"}, "c1")
	require.NoError(t, err)
	_, err = tr.HandleText(ctx, "thinking", "c1")
	require.NoError(t, err)
	_, err = tr.HandleLLMStart(ctx, nil, []string{"hi"}, "m1", tracer.StartOptions{ParentRunID: "c1"})
	require.NoError(t, err)
	_, err = tr.HandleLLMNewToken(ctx, "m1", "he", nil)
	require.NoError(t, err)
	_, err = tr.HandleLLMEnd(ctx, model.Result{}, "m1", nil)
	require.NoError(t, err)
	_, err = tr.HandleChainEnd(ctx, "y", "c1", nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	llm, chain := spans[0], spans[1]

	require.Len(t, llm.Events(), 1)
	require.Equal(t, run.EventNewToken, llm.Events()[0].Name)
	require.Equal(t, "token", string(llm.Events()[0].Attributes[0].Key))
	require.Equal(t, "he", llm.Events()[0].Attributes[0].Value.AsString())

	require.Len(t, chain.Events(), 2)
	require.Equal(t, run.EventAgentAction, chain.Events()[0].Name)
	require.Equal(t, "search", chain.Events()[0].Attributes[0].Value.AsString())
	require.Equal(t, run.EventText, chain.Events()[1].Name)
	require.Equal(t, "thinking", chain.Events()[1].Attributes[0].Value.AsString())
}

func TestConsoleTracer(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	tr := tracer.NewConsoleTracer(logger)

	_, err := tr.HandleChainStart(ctx, &run.Descriptor{Name: "AgentExecutor"}, "q", "c1", tracer.StartOptions{})
	require.NoError(t, err)
	_, err = tr.HandleToolStart(ctx, &run.Descriptor{Name: "search"}, "go", "t1", tracer.StartOptions{ParentRunID: "c1"})
	require.NoError(t, err)
	_, err = tr.HandleToolError(ctx, errors.New("offline"), "t1")
	require.NoError(t, err)
	_, err = tr.HandleChainEnd(ctx, "done", "c1", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"run started", "run started", "run errored", "run ended"}, logger.msgs)
	require.Equal(t, "1:chain:AgentExecutor > 2:tool:search", logger.crumbs[1])
	require.Equal(t, "1:chain:AgentExecutor > 2:tool:search", logger.crumbs[2])
	require.Equal(t, "1:chain:AgentExecutor", logger.crumbs[3])
}

func TestSiblingDottedOrderSortsByStartProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sibling dotted orders sort in creation order", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			tr := tracer.New(nil)
			if _, err := tr.HandleChainStart(ctx, chainDesc, "x", "root", tracer.StartOptions{}); err != nil {
				return false
			}
			orders := make([]string, 0, n)
			for i := range n {
				id := fmt.Sprintf("%s-%03d", uuid.NewString(), i)
				r, err := tr.HandleToolStart(ctx, toolDesc, "x", id, tracer.StartOptions{ParentRunID: "root"})
				if err != nil || r.ExecutionOrder != i+2 {
					return false
				}
				orders = append(orders, r.DottedOrder)
				if _, err := tr.HandleToolEnd(ctx, "y", id); err != nil {
					return false
				}
			}
			return sort.StringsAreSorted(orders)
		},
		gen.IntRange(1, 40),
	))

	properties.Property("repeated starts track a single run", prop.ForAll(
		func(repeats int) bool {
			ctx := context.Background()
			tr := tracer.New(nil)
			id := uuid.NewString()
			var first *run.Run
			for range repeats {
				r, err := tr.HandleToolStart(ctx, toolDesc, "x", id, tracer.StartOptions{})
				if err != nil {
					return false
				}
				if first == nil {
					first = r
				}
				if r != first {
					return false
				}
			}
			return tr.Len() == 1
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

type recordingLogger struct {
	telemetry.NoopLogger
	msgs   []string
	crumbs []string
}

func (l *recordingLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.record(msg, keyvals)
}

func (l *recordingLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.record(msg, keyvals)
}

func (l *recordingLogger) record(msg string, keyvals []any) {
	l.msgs = append(l.msgs, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == "crumbs" {
			l.crumbs = append(l.crumbs, keyvals[i+1].(string))
		}
	}
}

func eventNames(r *run.Run) []string {
	names := make([]string, len(r.Events))
	for i, e := range r.Events {
		names[i] = e.Name
	}
	return names
}
