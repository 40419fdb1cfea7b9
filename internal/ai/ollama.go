package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 150 * time.Second},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Format   string      `json:"format,omitempty"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}

	// Ollama has no schema parameter; the schema rides in the system
	// message and format=json forces parseable output.
	system := req.System
	if len(req.Schema) > 0 {
		system = fmt.Sprintf("%s\n\nRespond with a single JSON object matching this schema:\n%s",
			system, string(req.Schema))
	}

	reqBody := ollamaChatReq{
		Model:  p.Model,
		Format: "json",
		Stream: false,
		Messages: []ollamaMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	content := []byte(decoded.Message.Content)
	if !json.Valid(content) {
		return nil, errors.New("ollama: response is not valid JSON")
	}
	return &GenerateResult{
		Content:    content,
		TokensUsed: decoded.PromptEvalCount + decoded.EvalCount,
	}, nil
}
