package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"goa.design/runtrace/runtime/model"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/stream"
	"goa.design/runtrace/runtime/tracer"
)

type (
	// script is a recorded sequence of lifecycle calls.
	script struct {
		Steps []step `yaml:"steps"`
	}

	// step is one lifecycle call. Only the fields relevant to Op are read.
	step struct {
		Op        string           `yaml:"op"`
		ID        string           `yaml:"id"`
		Parent    string           `yaml:"parent"`
		Name      string           `yaml:"name"`
		Type      string           `yaml:"type"`
		Tags      []string         `yaml:"tags"`
		Metadata  map[string]any   `yaml:"metadata"`
		Input     any              `yaml:"input"`
		Output    any              `yaml:"output"`
		Error     string           `yaml:"error"`
		Prompts   []string         `yaml:"prompts"`
		Messages  []model.Message  `yaml:"messages"`
		Token     string           `yaml:"token"`
		Text      string           `yaml:"text"`
		Query     string           `yaml:"query"`
		Documents []model.Document `yaml:"documents"`
		Chunks    []any            `yaml:"chunks"`
		Tool      string           `yaml:"tool"`
		Data      any              `yaml:"data"`
	}

	// tapper is implemented by handlers that can interleave run output into
	// their event stream.
	tapper interface {
		TapOutput(ctx context.Context, runID string, out stream.Output) stream.Output
	}

	// idMapper resolves script run IDs, optionally replacing them with
	// random UUIDs.
	idMapper struct {
		fresh bool
		ids   map[string]string
	}
)

func parseScript(r io.Reader) (*script, error) {
	var s script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("script is empty")
		}
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, st := range s.Steps {
		if st.Op == "" {
			return nil, fmt.Errorf("step %d: op is required", i)
		}
		if st.ID == "" {
			return nil, fmt.Errorf("step %d (%s): id is required", i, st.Op)
		}
	}
	return &s, nil
}

func newIDMapper(fresh bool) *idMapper {
	return &idMapper{fresh: fresh, ids: make(map[string]string)}
}

func (m *idMapper) resolve(id string) string {
	if !m.fresh || id == "" {
		return id
	}
	if mapped, ok := m.ids[id]; ok {
		return mapped
	}
	mapped := uuid.NewString()
	m.ids[id] = mapped
	return mapped
}

// replay invokes the lifecycle call of every step in order and stops at the
// first error.
func replay(ctx context.Context, h tracer.Handler, s *script, ids *idMapper) error {
	for i, st := range s.Steps {
		if err := apply(ctx, h, st, ids); err != nil {
			return fmt.Errorf("step %d (%s %s): %w", i, st.Op, st.ID, err)
		}
	}
	return nil
}

func apply(ctx context.Context, h tracer.Handler, st step, ids *idMapper) error {
	id := ids.resolve(st.ID)
	opts := tracer.StartOptions{
		ParentRunID: ids.resolve(st.Parent),
		Tags:        st.Tags,
		Metadata:    st.Metadata,
		Name:        st.Name,
		RunType:     run.Type(st.Type),
	}
	var err error
	switch st.Op {
	case "chain_start":
		_, err = h.HandleChainStart(ctx, nil, st.Input, id, opts)
	case "chain_end":
		_, err = h.HandleChainEnd(ctx, st.Output, id, st.Input)
	case "chain_error":
		_, err = h.HandleChainError(ctx, errors.New(st.Error), id, st.Input)
	case "tool_start":
		_, err = h.HandleToolStart(ctx, nil, fmt.Sprint(st.Input), id, opts)
	case "tool_end":
		_, err = h.HandleToolEnd(ctx, st.Output, id)
	case "tool_error":
		_, err = h.HandleToolError(ctx, errors.New(st.Error), id)
	case "llm_start":
		_, err = h.HandleLLMStart(ctx, nil, st.Prompts, id, opts)
	case "chat_model_start":
		_, err = h.HandleChatModelStart(ctx, nil, [][]model.Message{st.Messages}, id, opts)
	case "token":
		_, err = h.HandleLLMNewToken(ctx, id, st.Token, nil)
	case "llm_end":
		gen := model.Generation{Text: st.Text}
		if len(st.Messages) > 0 {
			gen.Message = &st.Messages[0]
		}
		_, err = h.HandleLLMEnd(ctx, model.Result{Generations: [][]model.Generation{{gen}}}, id, nil)
	case "llm_error":
		_, err = h.HandleLLMError(ctx, errors.New(st.Error), id, nil)
	case "retriever_start":
		_, err = h.HandleRetrieverStart(ctx, nil, st.Query, id, opts)
	case "retriever_end":
		_, err = h.HandleRetrieverEnd(ctx, st.Documents, id)
	case "retriever_error":
		_, err = h.HandleRetrieverError(ctx, errors.New(st.Error), id)
	case "agent_action":
		_, err = h.HandleAgentAction(ctx, model.AgentAction{Tool: st.Tool, ToolInput: st.Input, Log: st.Text}, id)
	case "agent_end":
		_, err = h.HandleAgentEnd(ctx, model.AgentFinish{ReturnValues: map[string]any{"output": st.Output}, Log: st.Text}, id)
	case "text":
		_, err = h.HandleText(ctx, st.Text, id)
	case "custom":
		err = h.HandleCustomEvent(ctx, st.Name, st.Data, id)
	case "tap":
		err = tapChunks(ctx, h, id, st.Chunks)
	default:
		err = fmt.Errorf("unknown op %q", st.Op)
	}
	return err
}

// tapChunks streams chunks through the handler's tap when it has one.
func tapChunks(ctx context.Context, h tracer.Handler, runID string, chunks []any) error {
	t, ok := h.(tapper)
	if !ok {
		return nil
	}
	out := t.TapOutput(ctx, runID, stream.SliceOutput(chunks...))
	defer func() { _ = out.Close() }()
	for {
		if _, err := out.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
