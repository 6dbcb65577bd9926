package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/shopkeeper/internal/reliability"
)

// OllamaEmbedder calls an Ollama-compatible /api/embeddings endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string, dim int, timeout time.Duration) *OllamaEmbedder {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(model) == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (o *OllamaEmbedder) Dimension() int { return o.dim }

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Code:      resp.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
		}
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if err := CheckDimension(out.Embedding, o.dim); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// OllamaFactory returns a Factory that warms the model with one probe call,
// which also validates the configured dimension.
func OllamaFactory(baseURL, model string, dim int, timeout time.Duration) Factory {
	return func(ctx context.Context) (Embedder, error) {
		e := NewOllamaEmbedder(baseURL, model, dim, timeout)
		if _, err := e.Embed(ctx, "warmup"); err != nil {
			return nil, fmt.Errorf("warm embedding model %s: %w", model, err)
		}
		return e, nil
	}
}

type StatusError struct {
	Code      int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("embedding endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("embedding endpoint returned status %d: %s", e.Code, e.Body)
}
