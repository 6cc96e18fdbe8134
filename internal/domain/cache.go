package domain

import (
	"context"
	"time"
)

// LockManager provides distributed per-market locks so that only one daemon
// instance drives settlement for a given market at a time.
type LockManager interface {
	// Acquire obtains the lock for key with the given TTL and returns an
	// unlock function, or ErrLockHeld when another party holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries settlement events: ephemeral fan-out over pub/sub plus a
// durable, ordered stream for indexers that need replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter throttles per-caller operation rates (submission and
// attestation spam control).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads a named object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
}

// BlobReader downloads a named object from blob storage.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver exports settled history and consensus evidence to blob storage.
type Archiver interface {
	// ArchiveSettled exports markets resolved before the cutoff, with their
	// submissions and payouts, and returns the number of markets archived.
	ArchiveSettled(ctx context.Context, before time.Time) (int64, error)
	// ArchiveEvidence exports the consensus record for one market.
	ArchiveEvidence(ctx context.Context, marketID uint64) error
	// ArchiveAudit exports audit entries recorded before the cutoff.
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
