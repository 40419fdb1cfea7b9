package ai

import (
	"context"
	"encoding/json"
)

// GenerateRequest asks a provider for one structured completion.
// Schema, when set, is a JSON schema the provider should conform to;
// providers that cannot enforce it embed it in the prompt instead.
type GenerateRequest struct {
	System string
	Prompt string
	Schema json.RawMessage
}

type GenerateResult struct {
	Content    json.RawMessage
	TokensUsed int
}

// Provider is a generation backend. Implementations must honor ctx
// cancellation; the caller bounds every call with a timeout.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
