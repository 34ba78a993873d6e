package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// compatProvider talks to any OpenAI-compatible chat completions endpoint
// through the official SDK. Retries are disabled: a failed call surfaces
// immediately and the caller falls back.
type compatProvider struct {
	name         string
	defaultModel string
	client       openai.Client
}

func newCompatProvider(name, apiBase, apiKey, defaultModel string, extra ...option.RequestOption) *compatProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(apiBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, extra...)

	return &compatProvider{
		name:         name,
		defaultModel: defaultModel,
		client:       openai.NewClient(opts...),
	}
}

func (p *compatProvider) Name() string {
	return p.name
}

func (p *compatProvider) DefaultModel() string {
	return p.defaultModel
}

func (p *compatProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return CompletionResult{}, fmt.Errorf("%s: prompt is empty", p.name)
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.Schema != nil {
		schema := openai.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   schemaName(req.SchemaName),
			Schema: req.Schema,
			Strict: openai.Bool(true),
		}
		if req.SchemaDescription != "" {
			schema.Description = openai.String(req.SchemaDescription)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schema},
		}
	}

	logger.DebugCF("provider", "Requesting completion", map[string]interface{}{
		"provider":      p.name,
		"model":         model,
		"prompt_length": len(req.Prompt),
	})

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return CompletionResult{}, p.wrapError(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("%s: %w", p.name, ErrEmptyCompletion)
	}

	choice := completion.Choices[0]
	if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
		return CompletionResult{}, fmt.Errorf("%s: %w: %s", p.name, ErrRefused, refusal)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return CompletionResult{}, fmt.Errorf("%s: %w (finish_reason=%s)", p.name, ErrEmptyCompletion, choice.FinishReason)
	}

	return CompletionResult{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage: UsageInfo{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

func (p *compatProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := augmentProviderError(p.name, apiErr.StatusCode, apiErr.Error())
		return fmt.Errorf("%s API error (status %d): %s: %w", p.name, apiErr.StatusCode, msg, err)
	}
	return fmt.Errorf("%s request failed: %w", p.name, err)
}

// schemaName keeps the name within the charset the API accepts.
func schemaName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "response"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
