package llm

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter tries a primary adapter and falls back on error. Caller
// cancellation is never retried on the fallback.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

func (a *FallbackAdapter) Secondary() Adapter {
	if a == nil {
		return nil
	}
	return a.fallback
}

func (a *FallbackAdapter) Generate(ctx context.Context, p Prompt, onDelta DeltaHandler) (Response, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.Generate(ctx, p, onDelta)
		}
		return Response{}, fmt.Errorf("fallback adapter misconfigured")
	}

	// Deltas already forwarded by a failing primary are not retracted, so the
	// primary streams into a buffer and is flushed only on success.
	var buffered []string
	resp, err := a.primary.Generate(ctx, p, func(delta string) error {
		buffered = append(buffered, delta)
		return nil
	})
	if err == nil {
		if onDelta != nil {
			for _, d := range buffered {
				if err := onDelta(d); err != nil {
					return Response{}, err
				}
			}
		}
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return Response{}, err
	}
	if a.fallback == nil {
		return Response{}, err
	}
	fallbackResp, fallbackErr := a.fallback.Generate(ctx, p, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
