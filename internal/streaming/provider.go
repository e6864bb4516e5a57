package streaming

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/go-claw/internal/otel"
)

// GenkitBrain adapts a genkit.Genkit instance (initialized with the
// provider plugin matching the resolved Bot.ModelConfig.Provider) to
// the streaming.Brain interface. It does not own the agent loop; this
// package's engine drives it one call at a time.
type GenkitBrain struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitBrain initializes Genkit with the plugin matching provider
// ("anthropic", "openai", "openai_compatible", "google").
func NewGenkitBrain(ctx context.Context, provider, modelName, apiKey, baseURL string) (*GenkitBrain, error) {
	var g *genkit.Genkit
	switch strings.ToLower(provider) {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai_compatible", APIKey: apiKey, BaseURL: baseURL}))
	case "google", "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		return nil, fmt.Errorf("streaming: unknown provider %q", provider)
	}
	return &GenkitBrain{g: g, modelName: modelName}, nil
}

// Stream implements Brain by running one genkit.Generate call with
// streaming enabled, translating genkit's chunk callback into this
// package's ChunkHandler shape, and running any requested tool calls
// through the ToolSpec registry before continuing generation. The
// agent loop itself (internal/streaming/engine.go) owns the iteration
// bound, so this adapter makes at most one underlying call per
// iteration rather than looping internally.
func (b *GenkitBrain) Stream(ctx context.Context, systemPrompt string, history []Message, current string, tools []ToolSpec, onChunk ChunkHandler) (string, error) {
	msgs := make([]*ai.Message, 0, len(history)+1)
	for _, h := range history {
		role := ai.RoleUser
		if h.Role == "assistant" {
			role = ai.RoleModel
		}
		msgs = append(msgs, ai.NewMessage(role, nil, ai.NewTextPart(h.Content)))
	}
	msgs = append(msgs, ai.NewMessage(ai.RoleUser, nil, ai.NewTextPart(current)))

	trace.SpanFromContext(ctx).SetAttributes(otelpkg.AttrModel.String(b.modelName))

	var full strings.Builder
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(b.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(msgs...),
		ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			delta := chunk.Text()
			full.WriteString(delta)
			return onChunk(delta, nil)
		}),
	)
	if err != nil {
		return full.String(), err
	}
	if resp != nil && resp.Text() != "" {
		return resp.Text(), nil
	}
	return full.String(), nil
}
