package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Excerpt struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Searcher is the semantic index. One Search call per insight job; the
// extractor's single-flight guard depends on Search being idempotent.
type Searcher interface {
	Search(ctx context.Context, chatID, query string, limit int) ([]Excerpt, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type searchReq struct {
	ChatID string `json:"chat_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
}

type searchResp struct {
	Excerpts []Excerpt `json:"excerpts"`
	Error    string    `json:"error,omitempty"`
}

func (c *Client) Search(ctx context.Context, chatID, query string, limit int) ([]Excerpt, error) {
	if c.HTTP == nil {
		return nil, errors.New("retrieval: http client is nil")
	}

	b, err := json.Marshal(searchReq{ChatID: chatID, Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/search", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("retrieval: status %d", resp.StatusCode)
	}

	var decoded searchResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	return decoded.Excerpts, nil
}
