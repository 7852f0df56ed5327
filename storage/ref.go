package storage

import (
	"context"
	"sync"
	"weak"

	"github.com/pkg/errors"
)

// Loader resolves a blob key to a decoded value.
type Loader[T any] func(ctx context.Context, id string) (*T, error)

// Ref is a lazy, weakly-cached handle to a persisted value. Value loads
// the referent on first use and re-loads it whenever the weakly-held copy
// has been reclaimed; the referent itself is never mutated through the
// ref. Refs are safe for concurrent use: racing first loads each observe
// an observationally equal value and at most one wins the cache slot.
type Ref[T any] struct {
	id     string
	loader Loader[T]

	mu     sync.Mutex
	cached weak.Pointer[T]
}

// NewRef creates a ref over id resolved through loader.
func NewRef[T any](id string, loader Loader[T]) *Ref[T] {
	return &Ref[T]{id: id, loader: loader}
}

// NewResolvedRef creates a ref that already holds v, for values built in
// memory before being persisted. The held value is still weak; once
// collected, later Value calls load through the loader.
func NewResolvedRef[T any](id string, loader Loader[T], v *T) *Ref[T] {
	r := &Ref[T]{id: id, loader: loader}
	r.cached = weak.Make(v)
	return r
}

// ID returns the blob key this ref resolves.
func (r *Ref[T]) ID() string {
	return r.id
}

// Value returns the referent, loading it if the cached copy is absent or
// has been reclaimed.
func (r *Ref[T]) Value(ctx context.Context) (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := r.cached.Value(); v != nil {
		return v, nil
	}
	v, err := r.loader(ctx, r.id)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving ref %q", r.id)
	}
	if v == nil {
		return nil, errors.Errorf("resolving ref %q: loader returned no value", r.id)
	}
	r.cached = weak.Make(v)
	return v, nil
}

// TryValue returns the currently cached value without forcing a load, or
// nil when nothing is cached.
func (r *Ref[T]) TryValue() *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached.Value()
}
