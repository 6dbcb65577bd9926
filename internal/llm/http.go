package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/shopkeeper/internal/policy"
	"github.com/ent0n29/shopkeeper/internal/reliability"
)

// StatusError is a non-2xx reply from the generation endpoint.
type StatusError struct {
	Code      int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.Code, e.Body)
}

type HTTPOptions struct {
	Model   string
	Timeout time.Duration
	// Strict rejects stream lines that are not valid JSON.
	Strict bool
}

// HTTPAdapter forwards prompts to a JSON generation endpoint. Replies may be
// plain JSON, SSE or NDJSON.
type HTTPAdapter struct {
	url    string
	model  string
	strict bool
	client *http.Client
}

func NewHTTPAdapter(url string, opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		model:  strings.TrimSpace(opts.Model),
		strict: opts.Strict,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

type httpRequest struct {
	Model string `json:"model,omitempty"`
	Prompt
}

// Generate redacts PII from every prompt field before it leaves the process.
func (a *HTTPAdapter) Generate(ctx context.Context, p Prompt, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(httpRequest{Model: a.model, Prompt: redactPrompt(p)})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream, application/x-ndjson")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &StatusError{
			Code:      res.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &obj); err == nil {
		text = strings.TrimSpace(extractText(obj))
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

// consumeSSE reads "data:" events until [DONE]; comments and blank lines are skipped.
func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) {
		if !strings.HasPrefix(line, "data:") {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	})
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) {
		return line, true
	})
}

func (a *HTTPAdapter) consumeLines(body io.Reader, onDelta DeltaHandler, payloadOf func(string) (string, bool)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" || strings.HasPrefix(raw, ":") {
			continue
		}
		payload, ok := payloadOf(raw)
		if !ok {
			continue
		}
		if strings.TrimSpace(payload) == "[DONE]" {
			break
		}

		delta := payload
		var obj map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &obj); err == nil {
			delta = extractText(obj)
		} else if a.strict {
			return Response{}, fmt.Errorf("invalid stream payload %q: %w", payload, err)
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: strings.TrimSpace(out.String())}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "response", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func redactPrompt(p Prompt) Prompt {
	out := p
	out.Input = policy.Redact(p.Input)
	out.System = policy.Redact(p.System)
	out.History = make([]Message, 0, len(p.History))
	for _, m := range p.History {
		out.History = append(out.History, Message{Role: m.Role, Content: policy.Redact(m.Content)})
	}
	out.Knowledge = redactAll(p.Knowledge)
	out.Products = redactAll(p.Products)
	return out
}

func redactAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = policy.Redact(s)
	}
	return out
}
