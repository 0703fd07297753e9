package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
)

type (
	// Output is a finite, pull-based sequence of output chunks produced by a
	// run. Recv returns io.EOF once the sequence is exhausted. Close releases
	// the sequence early and may be called more than once.
	Output interface {
		Recv() (any, error)
		Close() error
	}

	// tappedOutput forwards chunks from src and, when it owns the run's tap,
	// emits one stream event per chunk. It is not safe for concurrent Recv
	// calls.
	tappedOutput struct {
		p     *Publisher
		ctx   context.Context
		runID string
		src   Output

		started bool
		info    *runInfo
		owned   *tap
		begin   time.Time
		once    sync.Once
	}

	sliceOutput struct {
		mu     sync.Mutex
		chunks []any
	}

	chanOutput struct {
		ch   <-chan any
		once sync.Once
		done chan struct{}
	}
)

// TapOutput returns an Output that forwards every chunk of out unchanged
// and publishes the chunks as stream events of run runID.
//
// The tap is claimed when the first chunk is received. An empty sequence
// claims nothing. When the run is not cached, for example because it already
// ended through another path, chunks are forwarded without emitting events.
// When several outputs tap the same run, the first one to receive a chunk
// emits the events and the others only forward. The run's end event is
// written after the emitting output is exhausted, fails or is closed, so
// callers must drain or close the returned Output.
//
// Chunks of tool and retriever runs are forwarded without emitting.
func (p *Publisher) TapOutput(ctx context.Context, runID string, out Output) Output {
	return &tappedOutput{p: p, ctx: ctx, runID: runID, src: out}
}

// SliceOutput returns an Output yielding chunks in order.
func SliceOutput(chunks ...any) Output {
	return &sliceOutput{chunks: chunks}
}

// ChanOutput returns an Output yielding the values received from ch until
// it is closed.
func ChanOutput(ch <-chan any) Output {
	return &chanOutput{ch: ch, done: make(chan struct{})}
}

// Recv returns the next chunk of the underlying output.
func (o *tappedOutput) Recv() (any, error) {
	chunk, err := o.src.Recv()
	if err != nil {
		o.finish()
		return nil, err
	}
	if !o.started {
		o.started = true
		o.claim()
	}
	if o.owned != nil {
		o.p.emitChunk(o.ctx, o.runID, o.info, chunk)
	}
	return chunk, nil
}

// Close closes the underlying output and releases the tap.
func (o *tappedOutput) Close() error {
	o.finish()
	return o.src.Close()
}

// claim registers the tap for the run unless another output already did.
// The check and the registration happen in one critical section.
func (o *tappedOutput) claim() {
	o.p.mu.Lock()
	defer o.p.mu.Unlock()
	info, ok := o.p.runInfo[o.runID]
	if !ok {
		return
	}
	if _, tapped := o.p.taps[o.runID]; tapped {
		return
	}
	t := &tap{done: make(chan struct{})}
	o.p.taps[o.runID] = t
	o.info = info
	o.owned = t
	o.begin = time.Now()
}

func (o *tappedOutput) finish() {
	if o.owned == nil {
		return
	}
	o.once.Do(func() {
		close(o.owned.done)
		o.p.metrics.RecordTimer(metricTapDuration, time.Since(o.begin), "run_type", string(o.info.runType))
	})
}

// emitChunk publishes one chunk of a tapped run.
func (p *Publisher) emitChunk(ctx context.Context, runID string, info *runInfo, chunk any) {
	if info.runType == run.TypeTool || info.runType == run.TypeRetriever {
		return
	}
	if s, ok := chunk.(string); ok && info.runType == run.TypeLLM {
		chunk = &model.GenerationChunk{Text: s}
	}
	p.send(ctx, p.event(info, runID, PhaseStream, Data{Chunk: chunk}), info)
}

func (o *sliceOutput) Recv() (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := o.chunks[0]
	o.chunks = o.chunks[1:]
	return chunk, nil
}

func (o *sliceOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks = nil
	return nil
}

func (o *chanOutput) Recv() (any, error) {
	select {
	case <-o.done:
		return nil, errOutputClosed
	default:
	}
	select {
	case v, ok := <-o.ch:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	case <-o.done:
		return nil, errOutputClosed
	}
}

func (o *chanOutput) Close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}

var errOutputClosed = errors.New("output closed")
