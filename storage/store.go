// Package storage provides the content-addressed blob store the point tree
// is persisted in, plus the weakly-cached lazy references used to traverse
// trees larger than memory.
//
// Blobs written under a key are immutable: writing different contents for
// an existing key fails with ErrKeyConflict. The one admitted exception is
// Replace, used for node records that are republished with a superset of
// attributes and for named point-set handles, where the last writer wins.
package storage

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// ErrKeyConflict is returned by Put when the key already holds different
// contents. Content-addressed blobs are append-only.
var ErrKeyConflict = errors.New("blob key already holds different contents")

// Store persists opaque byte blobs under string keys.
type Store interface {
	// Put writes data under key. Writing identical bytes again is a no-op;
	// writing different bytes for an existing key fails with ErrKeyConflict.
	Put(ctx context.Context, key string, data []byte) error

	// Replace writes data under key unconditionally, last writer wins.
	Replace(ctx context.Context, key string, data []byte) error

	// Get reads the blob under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Has reports whether a blob exists under key.
	Has(ctx context.Context, key string) (bool, error)

	// Close releases the underlying medium.
	Close() error
}

// PutJSON marshals v and writes it under key with Put semantics.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling blob %q", key)
	}
	return s.Put(ctx, key, data)
}

// ReplaceJSON marshals v and writes it under key with Replace semantics.
func ReplaceJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling blob %q", key)
	}
	return s.Replace(ctx, key, data)
}

// GetJSON reads the blob under key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "unmarshaling blob %q", key)
	}
	return nil
}

func checkConflict(key string, existing, incoming []byte) error {
	if bytes.Equal(existing, incoming) {
		return nil
	}
	return errors.Wrapf(ErrKeyConflict, "key %q", key)
}
