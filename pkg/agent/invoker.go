package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/dotsetgreg/stefan/pkg/providers"
)

// ErrGenerationFailed covers every way a completion can fail to yield a
// usable reply: transport errors, timeouts, refusals, empty output and
// schema violations.
var ErrGenerationFailed = errors.New("generation failed")

const defaultCompletionTimeout = 60 * time.Second

type Invoker struct {
	provider providers.StructuredProvider
	model    string
	timeout  time.Duration
}

func NewInvoker(provider providers.StructuredProvider, model string, timeout time.Duration) (*Invoker, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if _, err := replyValidator(); err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &Invoker{provider: provider, model: model, timeout: timeout}, nil
}

// Invoke submits prompt and returns the validated payload. Every failure
// wraps ErrGenerationFailed.
func (i *Invoker) Invoke(ctx context.Context, prompt string) (ReplyPayload, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	res, err := i.provider.Complete(callCtx, providers.CompletionRequest{
		Prompt:            prompt,
		Model:             i.model,
		SchemaName:        replySchemaName,
		SchemaDescription: "A chat reply plus the memories to keep.",
		Schema:            ReplySchema(),
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ReplyPayload{}, fmt.Errorf("%w: completion timed out after %s: %w", ErrGenerationFailed, i.timeout, err)
		}
		return ReplyPayload{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	payload, err := ParseReply(res.Content)
	if err != nil {
		logger.WarnCF("agent", "Rejected model output", map[string]interface{}{
			"provider": i.provider.Name(),
			"model":    res.Model,
			"error":    err.Error(),
		})
		return ReplyPayload{}, err
	}

	logger.DebugCF("agent", "Completion accepted", map[string]interface{}{
		"provider":          i.provider.Name(),
		"model":             res.Model,
		"prompt_tokens":     res.Usage.PromptTokens,
		"completion_tokens": res.Usage.CompletionTokens,
		"memories":          len(payload.Memory),
	})
	return payload, nil
}
