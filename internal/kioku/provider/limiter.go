package provider

import (
	"context"
	"fmt"
)

// DefaultPermits is the permit-pool size used when none is configured.
const DefaultPermits = 5

// PermitPool bounds the number of in-flight upstream calls. It is a
// counting semaphore shared by the completion and embedding clients so a
// burst of sessions cannot exhaust the endpoint's concurrency allowance.
type PermitPool struct {
	permits chan struct{}
}

// NewPermitPool creates a pool with n permits. Non-positive n falls back
// to DefaultPermits.
func NewPermitPool(n int) *PermitPool {
	if n <= 0 {
		n = DefaultPermits
	}
	return &PermitPool{permits: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or the context is cancelled.
func (p *PermitPool) Acquire(ctx context.Context) error {
	select {
	case p.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("provider: acquire permit: %w", ctx.Err())
	}
}

// Release returns a permit to the pool.
func (p *PermitPool) Release() {
	<-p.permits
}

// limitedProvider wraps a CompletionProvider so every outbound call first
// takes a permit.
type limitedProvider struct {
	inner CompletionProvider
	pool  *PermitPool
}

// WithPermits wraps a provider with the shared permit pool.
func WithPermits(inner CompletionProvider, pool *PermitPool) CompletionProvider {
	return &limitedProvider{inner: inner, pool: pool}
}

var _ CompletionProvider = (*limitedProvider)(nil)

func (l *limitedProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := l.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer l.pool.Release()
	return l.inner.Complete(ctx, req)
}

func (l *limitedProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := l.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	ch, err := l.inner.CompleteStream(ctx, req)
	if err != nil {
		l.pool.Release()
		return nil, err
	}

	// Hold the permit until the stream drains so concurrency accounting
	// covers the whole response, not just the request. A consumer that
	// abandons the channel must not strand the permit, so every forward
	// also watches the context.
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer l.pool.Release()
		for chunk := range ch {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *limitedProvider) CheckConnection(ctx context.Context) error {
	if err := l.pool.Acquire(ctx); err != nil {
		return err
	}
	defer l.pool.Release()
	return l.inner.CheckConnection(ctx)
}

func (l *limitedProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := l.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer l.pool.Release()
	return l.inner.ListModels(ctx)
}
