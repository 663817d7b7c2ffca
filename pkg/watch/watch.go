// Package watch provides an observable value: readers take a snapshot
// together with a channel that is closed the next time the value changes.
//
// It is the only synchronization primitive shared between the tasks of a
// connection. A value has exactly one writing task; everyone else gets a
// Reader.
package watch

import (
	"context"
	"sync"
)

// Reader is the read-only view of a Value.
type Reader[T comparable] interface {
	Get() T
	Watch() (T, <-chan struct{})
}

// Value holds a T and notifies watchers when it changes.
type Value[T comparable] struct {
	mu      sync.Mutex
	v       T
	changed chan struct{}
}

func New[T comparable](v T) *Value[T] {
	return &Value[T]{v: v, changed: make(chan struct{})}
}

func (w *Value[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v
}

// Watch returns the current value and a channel closed on the next change.
func (w *Value[T]) Watch() (T, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v, w.changed
}

// Set stores v. Watchers are woken only if the value actually changed.
func (w *Value[T]) Set(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store(v)
}

// Modify applies fn to the current value as a single step and returns the
// stored result.
func (w *Value[T]) Modify(fn func(T) T) T {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store(fn(w.v))
	return w.v
}

// CompareAndSet stores next only if the current value is old.
func (w *Value[T]) CompareAndSet(old, next T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.v != old {
		return false
	}
	w.store(next)
	return true
}

func (w *Value[T]) store(v T) {
	if w.v == v {
		return
	}
	w.v = v
	close(w.changed)
	w.changed = make(chan struct{})
}

// Await blocks until ch is closed or ctx is done.
func Await(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Until blocks until cond holds for the value of r.
func Until[T comparable](ctx context.Context, r Reader[T], cond func(T) bool) (T, error) {
	for {
		v, changed := r.Watch()
		if cond(v) {
			return v, nil
		}
		if err := Await(ctx, changed); err != nil {
			return v, err
		}
	}
}
