package adapters

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/octavolabs/octavo/pkg/fault"
)

// DefaultAnthropicModel is the heading-recognition default. TOC parsing
// is a cheap structured task; a small model is deliberate.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicLM adapts the Anthropic Messages API to the LanguageModel
// interface. The API key comes from ANTHROPIC_API_KEY.
type AnthropicLM struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicLM builds the adapter. model may be empty for the default.
func NewAnthropicLM(model string) (*AnthropicLM, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fault.New(fault.Preflight, "adapters.anthropic", "ANTHROPIC_API_KEY is not set")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicLM{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  anthropic.Model(model),
	}, nil
}

// Complete sends one user message and concatenates the text blocks of
// the reply. All transport and provider errors are classified transient;
// the retry layer above decides how often to come back.
func (a *AnthropicLM) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.System}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.Cancelled, "adapters.anthropic", ctx.Err())
		}
		return "", fault.Wrap(fault.ExternalUnavailable, "adapters.anthropic", err)
	}

	var out []byte
	for _, block := range msg.Content {
		if block.Type == "text" {
			out = append(out, block.Text...)
		}
	}
	return string(out), nil
}
