package tracer

import (
	"context"
	"fmt"
	"strings"

	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/telemetry"
)

// NewConsoleTracer returns a Tracer that logs every start, end and error with
// a breadcrumb of the run's live ancestry, e.g.
// "1:chain:AgentExecutor > 2:tool:search". Completed runs are discarded.
func NewConsoleTracer(logger telemetry.Logger, opts ...Option) *Tracer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	t := New(NopPersister{}, append([]Option{WithLogger(logger)}, opts...)...)
	start := func(ctx context.Context, r *run.Run) error {
		logger.Info(ctx, "run started", "crumbs", t.breadcrumbs(r), "inputs", r.Inputs)
		return nil
	}
	end := func(ctx context.Context, r *run.Run) error {
		logger.Info(ctx, "run ended", "crumbs", t.breadcrumbs(r),
			"elapsed", elapsed(r), "outputs", r.Outputs)
		return nil
	}
	fail := func(ctx context.Context, r *run.Run) error {
		logger.Error(ctx, "run errored", "crumbs", t.breadcrumbs(r),
			"elapsed", elapsed(r), "err", r.Error)
		return nil
	}
	t.hooks = Hooks{
		OnLLMStart:       start,
		OnChainStart:     start,
		OnToolStart:      start,
		OnRetrieverStart: start,
		OnLLMEnd:         end,
		OnChainEnd:       end,
		OnToolEnd:        end,
		OnRetrieverEnd:   end,
		OnLLMError:       fail,
		OnChainError:     fail,
		OnToolError:      fail,
		OnRetrieverError: fail,
		OnAgentAction: func(ctx context.Context, r *run.Run) error {
			logger.Info(ctx, "agent action", "crumbs", t.breadcrumbs(r), "actions", len(t.Actions(r.ID)))
			return nil
		},
	}
	return t
}

// breadcrumbs renders the live ancestry of r as "order:type:name" segments
// joined by " > ".
func (t *Tracer) breadcrumbs(r *run.Run) string {
	chain := t.Ancestors(r.ID)
	if len(chain) == 0 {
		chain = []*run.Run{r}
	}
	parts := make([]string, len(chain))
	for i, a := range chain {
		parts[i] = fmt.Sprintf("%d:%s:%s", a.ExecutionOrder, a.Type, a.Name)
	}
	return strings.Join(parts, " > ")
}

func elapsed(r *run.Run) string {
	if r.EndTime == nil {
		return "N/A"
	}
	d := r.Duration()
	if d < 1e9 {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
