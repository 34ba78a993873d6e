package providers

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCompletion is returned when the service answered without any
	// choice or content.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrRefused is returned when the model declined to produce output.
	ErrRefused = errors.New("model refused")
)

// StructuredProvider produces a single completion constrained to a JSON
// schema.
type StructuredProvider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

type CompletionRequest struct {
	Prompt string
	// Model overrides the provider default when set.
	Model             string
	SchemaName        string
	SchemaDescription string
	Schema            map[string]interface{}
}

type CompletionResult struct {
	Content      string
	Model        string
	FinishReason string
	Usage        UsageInfo
}

type UsageInfo struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}
