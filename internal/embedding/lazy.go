package embedding

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lazy builds its Embedder on first use. Concurrent first calls share one
// construction; later calls read the handle without locking. A failed
// construction is not cached, so the next call tries again.
type Lazy struct {
	factory Factory
	dim     int

	ready atomic.Pointer[Embedder]
	mu    sync.Mutex
	inits atomic.Int64
}

func NewLazy(dim int, factory Factory) *Lazy {
	return &Lazy{factory: factory, dim: dim}
}

func (l *Lazy) Dimension() int { return l.dim }

func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	e, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := CheckDimension(v, l.dim); err != nil {
		return nil, err
	}
	return v, nil
}

// Initializations reports how many times the factory succeeded.
func (l *Lazy) Initializations() int64 { return l.inits.Load() }

func (l *Lazy) get(ctx context.Context) (Embedder, error) {
	if p := l.ready.Load(); p != nil {
		return *p, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.ready.Load(); p != nil {
		return *p, nil
	}
	e, err := l.factory(ctx)
	if err != nil {
		return nil, err
	}
	l.ready.Store(&e)
	l.inits.Add(1)
	return e, nil
}
