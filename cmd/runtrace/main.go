// Command runtrace replays a YAML lifecycle script through the tracing core.
//
// In stream mode (the default) every published event is printed as one JSON
// line. In tree mode the completed run trees are printed once the script
// ends. In console mode runs are logged as they start and end.
//
//	runtrace -script scenario.yaml -filter filter.yaml -validate
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"goa.design/runtrace/runtime/run/inmem"
	"goa.design/runtrace/runtime/stream"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracer"
)

type (
	// options holds the command configuration.
	options struct {
		Mode     string
		Filter   stream.Filter
		Validate bool
		FreshIDs bool
	}

	// jsonSink writes events as JSON lines.
	jsonSink struct {
		mu       sync.Mutex
		enc      *json.Encoder
		validate bool
	}
)

func main() {
	var (
		scriptF   = flag.String("script", "", "Lifecycle script (YAML), reads stdin when empty")
		filterF   = flag.String("filter", "", "Event filter (YAML)")
		modeF     = flag.String("mode", "stream", "Output mode: stream, tree or console")
		validateF = flag.Bool("validate", false, "Validate every event against the event schema")
		freshF    = flag.Bool("fresh-ids", false, "Replace script run IDs with random UUIDs")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	opts := options{Mode: *modeF, Validate: *validateF, FreshIDs: *freshF}
	if *filterF != "" {
		data, err := os.ReadFile(*filterF)
		if err != nil {
			log.Fatalf(ctx, err, "failed to read filter")
		}
		if opts.Filter, err = stream.ParseFilter(data); err != nil {
			log.Fatalf(ctx, err, "invalid filter")
		}
	}

	in := io.Reader(os.Stdin)
	if *scriptF != "" {
		f, err := os.Open(*scriptF)
		if err != nil {
			log.Fatalf(ctx, err, "failed to open script")
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	if err := execute(ctx, opts, in, os.Stdout); err != nil {
		log.Fatalf(ctx, err, "replay failed")
	}
}

// execute replays the script read from in and writes the mode's output to
// out.
func execute(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	s, err := parseScript(in)
	if err != nil {
		return err
	}
	ids := newIDMapper(opts.FreshIDs)
	logger := telemetry.NewClueLogger()

	switch opts.Mode {
	case "", "stream":
		pub := stream.NewPublisher(
			stream.WithFilter(opts.Filter),
			stream.WithLogger(logger),
			stream.WithMetrics(telemetry.NewClueMetrics()),
			stream.WithSpans(telemetry.NewClueTracer()),
		)
		sink := &jsonSink{enc: json.NewEncoder(out), validate: opts.Validate}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pub.Pipe(gctx, sink) })
		g.Go(func() error {
			if err := replay(gctx, pub, s, ids); err != nil {
				pub.Close()
				return err
			}
			return pub.Finish(gctx)
		})
		return g.Wait()

	case "tree":
		store := inmem.New()
		tr := tracer.New(store, tracer.WithLogger(logger))
		if err := replay(ctx, tr, s, ids); err != nil {
			return err
		}
		if n := tr.Len(); n > 0 {
			logger.Warn(ctx, "script left runs unfinished", "live_runs", n)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(store.Runs())

	case "console":
		return replay(ctx, tracer.NewConsoleTracer(logger), s, ids)

	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

// Send writes ev as one JSON line.
func (s *jsonSink) Send(_ context.Context, ev stream.Event) error {
	if s.validate {
		if err := stream.ValidateEvent(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close does nothing.
func (s *jsonSink) Close(context.Context) error {
	return nil
}
