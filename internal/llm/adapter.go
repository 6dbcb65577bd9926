// Package llm adapts language-model backends to the assistant's reply generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one prior conversation line.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the normalized generation request.
type Prompt struct {
	SessionID string    `json:"session_id,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	System    string    `json:"system,omitempty"`
	History   []Message `json:"history,omitempty"`
	Input     string    `json:"input"`
	// Knowledge holds retrieved passages, best first.
	Knowledge []string `json:"knowledge,omitempty"`
	// Products holds short product lines the reply may mention.
	Products []string `json:"products,omitempty"`
}

// Response is the final text after any streamed deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter generates assistant replies.
type Adapter interface {
	Generate(ctx context.Context, p Prompt, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode         string
	HTTPURL      string
	Model        string
	Timeout      time.Duration
	StreamStrict bool
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallbackAdapter(newHTTPFromConfig(cfg), NewMockAdapter()), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("llm HTTP url is required for http mode")
		}
		return newHTTPFromConfig(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

func newHTTPFromConfig(cfg Config) *HTTPAdapter {
	return NewHTTPAdapter(cfg.HTTPURL, HTTPOptions{
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
		Strict:  cfg.StreamStrict,
	})
}
