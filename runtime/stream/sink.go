package stream

import (
	"context"
	"fmt"
)

// Sink delivers events to an external transport (SSE, WebSocket, message
// bus). Implementations must be safe for concurrent use.
type Sink interface {
	// Send publishes an event. It returns an error if delivery fails.
	Send(ctx context.Context, event Event) error
	// Close releases resources owned by the sink. It is idempotent.
	Close(ctx context.Context) error
}

// Pipe forwards every event to sink in write order until the event channel
// closes, then closes the sink. It stops early and closes the publisher when
// ctx is done or when the sink fails, and returns the corresponding error.
func (p *Publisher) Pipe(ctx context.Context, sink Sink) error {
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return sink.Close(ctx)
			}
			if err := sink.Send(ctx, ev); err != nil {
				p.logger.Error(ctx, "stream sink send failed", "event", ev.Event, "run_id", ev.RunID, "err", err)
				p.Close()
				_ = sink.Close(ctx)
				return fmt.Errorf("send %s for run %s: %w", ev.Event, ev.RunID, err)
			}
		case <-ctx.Done():
			p.Close()
			_ = sink.Close(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}
