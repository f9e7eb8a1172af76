package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade by design -- consumers use narrow sub-interfaces (ISP)
type Store interface {
	Pinger
	DocumentStore
	Locker
	IndexManager
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DocumentStore stores JSON documents by (collection, id).
type DocumentStore interface {
	// InsertDocument stores data only if id is free; ErrKeyExists otherwise.
	InsertDocument(ctx context.Context, collection, id string, data []byte) error
	// PutDocument stores data, overwriting any existing document.
	PutDocument(ctx context.Context, collection, id string, data []byte) error
	// GetDocument returns ErrKeyNotFound for a missing id.
	GetDocument(ctx context.Context, collection, id string) ([]byte, error)
	// DeleteDocument returns ErrKeyNotFound for a missing id.
	DeleteDocument(ctx context.Context, collection, id string) error
	FindDocuments(ctx context.Context, q *Query) ([]Record, error)
	CountDocuments(ctx context.Context, q *Query) (int, error)
}

// Locker provides lease locks shared by every process using the store.
type Locker interface {
	// AcquireLock takes name for ttl if it is free or expired; ErrLockHeld otherwise.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error
	// ReleaseLock frees name if it is still held by token.
	ReleaseLock(ctx context.Context, name, token string) error
}

// IndexManager provides collection index lifecycle operations.
type IndexManager interface {
	CreateIndex(ctx context.Context, def *IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
}
