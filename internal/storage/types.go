// Package storage provides a small key-value persistence layer with
// interchangeable drivers (file, sqlite, badger).
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// Store is a durable key-value store. Put must be atomic with respect to
// process crashes: a reader never observes a torn value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	// Driver selects the backend: "file" (default), "sqlite" or "badger".
	Driver string
	Path   string
	// BusyTimeout applies to the sqlite driver only.
	BusyTimeout time.Duration
}
