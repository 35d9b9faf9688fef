// Package gate provides a single-assignment resolution gate: the first
// Resolve or Reject commits the outcome and every later attempt is a no-op.
package gate

import (
	"context"
	"sync"
)

// Gate is a one-shot future. The zero value is not usable; call New.
type Gate[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	val      T
	err      error
}

// New returns an unresolved gate.
func New[T any]() *Gate[T] {
	return &Gate[T]{done: make(chan struct{})}
}

// Resolve commits v as the outcome. It reports whether this call won.
func (g *Gate[T]) Resolve(v T) bool {
	return g.commit(v, nil)
}

// Reject commits err as the outcome. It reports whether this call won.
func (g *Gate[T]) Reject(err error) bool {
	var zero T
	return g.commit(zero, err)
}

func (g *Gate[T]) commit(v T, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved {
		return false
	}
	g.resolved = true
	g.val = v
	g.err = err
	close(g.done)
	return true
}

// Done returns a channel that is closed once the gate is resolved.
func (g *Gate[T]) Done() <-chan struct{} {
	return g.done
}

// Result returns the committed outcome. ok is false while unresolved.
func (g *Gate[T]) Result() (v T, err error, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val, g.err, g.resolved
}

// Wait blocks until the gate resolves or ctx is done.
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-g.done:
		v, err, _ := g.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
