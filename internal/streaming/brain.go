// Package streaming implements the in-process agent loop behind
// direct-chat shells: LLM token streaming, tool-call loop,
// cancellation, resume, and cross-worker event fan-out via
// internal/bus. Provider access goes through Genkit's
// anthropic/compat_oai/googlegenai plugins, matching the
// provider-agnostic Bot.ModelConfig.
package streaming

import "context"

// ToolEvent mirrors one lifecycle event of a tool invocation inside the
// agent loop.
type ToolEvent struct {
	ToolName string
	Status   string // started, completed, failed
	Input    string
	Output   string
	Error    string
}

// ChunkHandler receives one increment of generation. delta is the new
// text since the last call; tool is set instead of delta when a tool
// lifecycle event fires.
type ChunkHandler func(delta string, tool *ToolEvent) error

// Brain is the LLM abstraction the engine drives. It exposes the
// tool-loop so internal/streaming can enforce the iteration bound
// itself rather than trusting the provider plugin to do so.
type Brain interface {
	// Stream runs one turn: systemPrompt + history + current user message,
	// invoking onChunk for every token and tool lifecycle event, and
	// returning the final accumulated text.
	Stream(ctx context.Context, systemPrompt string, history []Message, current string, tools []ToolSpec, onChunk ChunkHandler) (string, error)
}

// Message is one turn of conversation history fed to the LLM.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ToolSpec describes one callable tool surfaced to the model, resolved
// from Ghost.Skills, MCP servers, and the knowledge-base tool.
type ToolSpec struct {
	Name        string
	Description string
	Call        func(ctx context.Context, input string) (string, error)
}
