// Package stream turns run lifecycle calls into a live, filtered, ordered
// stream of structured events.
//
// A Publisher is a tracer.Tracer whose hooks emit one Event per start,
// streamed chunk and end of every run. Consumers drain Events() until the
// channel closes:
//
//	pub := stream.NewPublisher(stream.WithFilter(stream.Filter{IncludeTypes: []string{"tool"}}))
//	go orchestrate(ctx, pub)
//	for ev := range pub.Events() {
//	    fmt.Println(ev.Event, ev.Name)
//	}
//
// Incremental output of a run is interleaved into the stream with TapOutput.
// When several readers tap the same run, only the first one emits stream
// events; the run's end event is held back until that reader is done.
package stream

import (
	"encoding/json"

	"goa.design/runtrace/runtime/run"
)

type (
	// Phase is the lifecycle phase encoded in an event name.
	Phase string

	// Event is one consumer-facing record written to the stream.
	Event struct {
		// Event is the event name, "on_<type>_<phase>" or EventCustom.
		Event string `json:"event"`
		// Name is the run's display name, or the custom event name.
		Name string `json:"name"`
		// RunID identifies the run that produced the event.
		RunID string `json:"run_id"`
		// Tags are the run's tags.
		Tags []string `json:"tags,omitempty"`
		// Metadata is the run's metadata. Never nil.
		Metadata map[string]any `json:"metadata"`
		// Data is the phase-specific payload.
		Data Data `json:"data"`
	}

	// Data is the payload of an Event. Fields that do not apply to the phase
	// are left empty and omitted from the JSON form.
	Data struct {
		// Input is the fraction of the run input known when the event fires.
		Input any `json:"input,omitempty"`
		// Output is the run output. Set on end events.
		Output any `json:"output,omitempty"`
		// Chunk is the incremental output fragment. Set on stream events.
		Chunk any `json:"chunk,omitempty"`
		// Error is the stringified failure. Set on end events of failed runs.
		Error string `json:"error,omitempty"`
		// Custom is the payload of a custom event. When set, it is the whole
		// JSON form of Data.
		Custom any `json:"-"`
	}
)

const (
	PhaseStart  Phase = "start"
	PhaseStream Phase = "stream"
	PhaseEnd    Phase = "end"
)

// EventCustom is the name of events emitted by HandleCustomEvent.
const EventCustom = "on_custom_event"

// EventName returns "on_<t>_<phase>".
func EventName(t run.Type, phase Phase) string {
	return "on_" + string(t) + "_" + string(phase)
}

// MarshalJSON renders the custom payload verbatim for custom events and the
// input/output/chunk/error object otherwise.
func (d Data) MarshalJSON() ([]byte, error) {
	if d.Custom != nil {
		return json.Marshal(d.Custom)
	}
	type plain Data
	return json.Marshal(plain(d))
}
