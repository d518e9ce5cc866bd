// Package embedding calls the external text-to-vector service. The model is
// never loaded in-process; retrieval quality depends on queries and spans
// being embedded by the same model and version.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client embeds texts via a remote embedding server.
type Client struct {
	baseURL string
	model   string
	dims    int
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for the embedding server at baseURL.
func New(baseURL, model string, dims int, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

// Embed embeds a batch of texts, preserving order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Texts: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: call server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding: server returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(out.Embeddings))
	}
	if c.dims > 0 && out.Dimension != 0 && out.Dimension != c.dims {
		return nil, fmt.Errorf("embedding: server dimension %d does not match configured %d", out.Dimension, c.dims)
	}
	return out.Embeddings, nil
}
