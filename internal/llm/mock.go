package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter builds deterministic replies from the prompt when no model is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Generate(ctx context.Context, p Prompt, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(p)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(p Prompt) string {
	var parts []string
	if len(p.Products) > 0 {
		n := len(p.Products)
		if n > 3 {
			n = 3
		}
		parts = append(parts, "Here are some options you might like: "+strings.Join(p.Products[:n], "; ")+".")
	}
	if len(p.Knowledge) > 0 {
		parts = append(parts, firstSentence(p.Knowledge[0]))
	}
	if len(parts) == 0 {
		input := strings.TrimSpace(p.Input)
		if input == "" {
			return "How can I help you today?"
		}
		return fmt.Sprintf("Thanks for your message about %q. How can I help further?", truncate(input, 80))
	}
	return strings.Join(parts, " ")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
