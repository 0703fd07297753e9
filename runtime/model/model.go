// Package model provides the provider-agnostic payload types exchanged with
// traced model, retriever and agent nodes. The tracing core never calls a
// model itself: adapters translate provider SDK responses into these types
// before invoking the lifecycle handlers.
package model

type (
	// Message is a single chat message.
	Message struct {
		// Role indicates the message role: "user", "assistant", "system" or a
		// provider-specific role such as "tool".
		Role string `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
		// Meta carries provider-specific metadata (message IDs, tool call
		// payloads, usage).
		Meta map[string]any `json:"meta,omitempty"`
	}

	// MessageChunk is an incremental fragment of an assistant message produced
	// while a chat model streams. Consumers concatenate Content across chunks.
	MessageChunk struct {
		// Role is typically "assistant".
		Role string `json:"role"`
		// Content is the text delta.
		Content string `json:"content"`
		// Meta carries provider-specific delta metadata.
		Meta map[string]any `json:"meta,omitempty"`
	}

	// Generation is one candidate output of a model call.
	Generation struct {
		// Text is the generated text.
		Text string `json:"text"`
		// GenerationInfo carries provider-specific details such as the finish
		// reason or log probabilities.
		GenerationInfo map[string]any `json:"generationInfo,omitempty"`
		// Message is set for chat models and holds the generated message.
		Message *Message `json:"message,omitempty"`
	}

	// GenerationChunk is an incremental fragment of a generation. For chat
	// models Message holds the matching message delta.
	GenerationChunk struct {
		// Text is the text delta.
		Text string `json:"text"`
		// GenerationInfo carries provider-specific delta details.
		GenerationInfo map[string]any `json:"generationInfo,omitempty"`
		// Message is set for chat models.
		Message *MessageChunk `json:"message,omitempty"`
	}

	// Result is the complete output of a model call: one list of candidate
	// generations per prompt (or per message list for chat models).
	Result struct {
		// Generations holds candidates per input.
		Generations [][]Generation `json:"generations"`
		// LLMOutput carries model-level output metadata (token usage, model
		// name).
		LLMOutput map[string]any `json:"llmOutput,omitempty"`
	}

	// Document is a retrieved document.
	Document struct {
		// PageContent is the document text.
		PageContent string `json:"pageContent"`
		// Metadata carries document metadata (source, score).
		Metadata map[string]any `json:"metadata,omitempty"`
		// ID optionally identifies the document in its store.
		ID string `json:"id,omitempty"`
	}

	// AgentAction is a decision taken by an agent to invoke a tool.
	AgentAction struct {
		// Tool is the name of the tool to invoke.
		Tool string `json:"tool"`
		// ToolInput is the input passed to the tool.
		ToolInput any `json:"toolInput"`
		// Log is the agent's reasoning text that produced the action.
		Log string `json:"log"`
	}

	// AgentFinish is the final answer of an agent.
	AgentFinish struct {
		// ReturnValues holds the agent's outputs.
		ReturnValues map[string]any `json:"returnValues"`
		// Log is the agent's reasoning text that produced the answer.
		Log string `json:"log"`
	}
)

// FirstMessage returns the first generated message found across the result's
// generation lists, checking the first candidate of each list in order.
func (r Result) FirstMessage() *Message {
	for _, gens := range r.Generations {
		if len(gens) == 0 {
			continue
		}
		if gens[0].Message != nil {
			return gens[0].Message
		}
	}
	return nil
}
