// Package run defines the record used to track one logical execution inside a
// traced computation graph.
//
// # Core Concepts
//
// Run:
//   - One tracked execution of a node: a model call, a chain step, a tool call
//     or a retriever query.
//   - Identified by a caller-supplied ID that is stable for the run's lifetime.
//   - Optionally points at its parent through ParentRunID (a lookup key, never
//     an owning pointer).
//
// Trace:
//   - The tree of runs sharing a root. Every run in the tree carries the root's
//     ID as TraceID.
//
// Dotted order:
//   - A lexicographically sortable key encoding both hierarchy and start time.
//     Each run contributes an order segment; a child's dotted order is its
//     parent's dotted order, a ".", and its own segment.
//
// Relationship example:
//
//	Trace "c1"
//	  └─ Run "c1" (chain, execution order 1)
//	     ├─ Run "t1" (tool, execution order 2)
//	     └─ Run "l1" (llm, execution order 3)
//
// Children are appended to their parent's ChildRuns when the child completes,
// not when it starts.
package run

import (
	"time"
)

type (
	// Type classifies a run. The constants below cover the node kinds the
	// tracker and publisher know about, but any caller-supplied string is a
	// valid Type.
	Type string

	// Status is the lifecycle state derived from a run's terminal fields.
	Status string

	// Descriptor is the serialized description of the node being traced. It is
	// supplied by the caller at start time and used to derive a display name
	// when no explicit name is given.
	Descriptor struct {
		// Name is the node's declared name, if any.
		Name string `json:"name,omitempty"`
		// ID is the node's hierarchical identifier, for example
		// ["langchain", "chains", "LLMChain"]. Its last element is used as a
		// fallback display name.
		ID []string `json:"id,omitempty"`
		// Kwargs carries constructor arguments or other node configuration.
		Kwargs map[string]any `json:"kwargs,omitempty"`
	}

	// Event is one entry of a run's append-only milestone log. The log is
	// intended for introspection and debugging; run state is never re-derived
	// from it.
	Event struct {
		// Name is the milestone: "start", "end", "error", "new_token",
		// "agent_action", "agent_end" or "text".
		Name string `json:"name"`
		// Time records when the milestone happened.
		Time time.Time `json:"time"`
		// Kwargs carries milestone-specific data (token, chunk, action, text).
		Kwargs map[string]any `json:"kwargs,omitempty"`
	}

	// Run represents one logical execution unit.
	Run struct {
		// ID uniquely identifies the run among all simultaneously tracked runs.
		ID string `json:"id"`
		// ParentRunID identifies the parent run. Empty for roots.
		ParentRunID string `json:"parent_run_id,omitempty"`
		// TraceID is the ID of the root run of this run's ancestry chain.
		TraceID string `json:"trace_id"`
		// DottedOrder is the sortable ordering key. Assigned once at creation.
		DottedOrder string `json:"dotted_order"`
		// Name is the display name.
		Name string `json:"name"`
		// Type classifies the run.
		Type Type `json:"run_type"`
		// StartTime records when the run was created.
		StartTime time.Time `json:"start_time"`
		// EndTime records when the run ended. Nil while the run is live.
		EndTime *time.Time `json:"end_time,omitempty"`
		// ExecutionOrder is 1 for roots and parent.ChildExecutionOrder+1 for
		// children.
		ExecutionOrder int `json:"execution_order"`
		// ChildExecutionOrder is the highest execution order used anywhere in
		// the run's subtree. Never lower than ExecutionOrder.
		ChildExecutionOrder int `json:"child_execution_order"`
		// Serialized is the descriptor supplied at start.
		Serialized *Descriptor `json:"serialized,omitempty"`
		// Inputs holds the run inputs.
		Inputs map[string]any `json:"inputs"`
		// Outputs holds the run outputs. Set once at end.
		Outputs map[string]any `json:"outputs,omitempty"`
		// Error holds the stringified failure. Set on the error path only.
		Error string `json:"error,omitempty"`
		// Extra is an open bag of metadata and extra parameters.
		Extra map[string]any `json:"extra,omitempty"`
		// Tags are inherited unchanged from the start call.
		Tags []string `json:"tags"`
		// Events is the milestone log.
		Events []Event `json:"events"`
		// ChildRuns holds the run's direct children in completion order.
		ChildRuns []*Run `json:"child_runs"`
	}
)

const (
	// TypeLLM identifies a text-completion model call. Chat model runs are
	// tracked with this type too; the publisher tells them apart by inputs.
	TypeLLM Type = "llm"
	// TypeChatModel identifies a chat model call in the event stream.
	TypeChatModel Type = "chat_model"
	// TypeChain identifies a chain step.
	TypeChain Type = "chain"
	// TypeTool identifies a tool call.
	TypeTool Type = "tool"
	// TypeRetriever identifies a retriever query.
	TypeRetriever Type = "retriever"
)

const (
	// StatusRunning indicates the run has not ended yet.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run ended without error.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run ended with an error.
	StatusFailed Status = "failed"
)

// Milestone names recorded in Run.Events.
const (
	EventStart       = "start"
	EventEnd         = "end"
	EventError       = "error"
	EventNewToken    = "new_token"
	EventAgentAction = "agent_action"
	EventAgentEnd    = "agent_end"
	EventText        = "text"
)

// Unnamed is the display name used when neither an explicit name nor a
// descriptor provides one.
const Unnamed = "Unnamed"

// DisplayName resolves the display name of a run: the explicit name if set,
// then the descriptor name, then the last element of the descriptor ID, and
// finally Unnamed.
func DisplayName(name string, d *Descriptor) string {
	if name != "" {
		return name
	}
	if d == nil {
		return Unnamed
	}
	if d.Name != "" {
		return d.Name
	}
	if len(d.ID) > 0 {
		return d.ID[len(d.ID)-1]
	}
	return Unnamed
}

// Coerce returns v when it is already an object and {key: v} otherwise.
// Slices, scalars and nil are all wrapped.
func Coerce(v any, key string) map[string]any {
	if m, ok := v.(map[string]any); ok && m != nil {
		return m
	}
	return map[string]any{key: v}
}

// Ended reports whether the run has a terminal timestamp.
func (r *Run) Ended() bool {
	return r.EndTime != nil
}

// Status derives the lifecycle state from the run's terminal fields.
func (r *Run) Status() Status {
	switch {
	case r.EndTime == nil:
		return StatusRunning
	case r.Error != "":
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// Duration returns the elapsed time of the run, measured up to now for live
// runs.
func (r *Run) Duration() time.Duration {
	if r.EndTime == nil {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// AddEvent appends a milestone to the run's event log.
func (r *Run) AddEvent(name string, kwargs map[string]any) {
	r.Events = append(r.Events, Event{Name: name, Time: time.Now().UTC(), Kwargs: kwargs})
}

// MergeExtra shallowly merges extra into the run's Extra bag.
func (r *Run) MergeExtra(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		r.Extra[k] = v
	}
}

// Clone returns a deep copy of the run and its completed subtree. Maps are
// copied one level deep; values stored in them are shared.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	if r.Serialized != nil {
		d := *r.Serialized
		d.ID = append([]string(nil), r.Serialized.ID...)
		d.Kwargs = cloneMap(r.Serialized.Kwargs)
		c.Serialized = &d
	}
	c.Inputs = cloneMap(r.Inputs)
	c.Outputs = cloneMap(r.Outputs)
	c.Extra = cloneMap(r.Extra)
	c.Tags = append([]string(nil), r.Tags...)
	c.Events = append([]Event(nil), r.Events...)
	if r.ChildRuns != nil {
		c.ChildRuns = make([]*Run, len(r.ChildRuns))
		for i, child := range r.ChildRuns {
			c.ChildRuns[i] = child.Clone()
		}
	}
	return &c
}

// Walk visits the run and its completed descendants depth-first, in
// ChildRuns order. Walk stops when fn returns false.
func (r *Run) Walk(fn func(*Run) bool) bool {
	if !fn(r) {
		return false
	}
	for _, child := range r.ChildRuns {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
