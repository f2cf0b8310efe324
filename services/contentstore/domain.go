// Package contentstore provides content-addressed persistence for encrypted
// records. The address of an object is the digest of its bytes, which gives
// deduplication and tamper evidence for free.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AddressOf returns the deterministic content address of a payload.
func AddressOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stats summarizes the store's contents.
type Stats struct {
	Count     int       `json:"count"`
	TotalSize int64     `json:"total_size"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
}

// Backend is a content-addressed object store.
type Backend interface {
	// Initialize prepares the backend.
	Initialize(ctx context.Context) error
	// Shutdown releases resources.
	Shutdown(ctx context.Context) error
	// Health checks the backend.
	Health(ctx context.Context) error

	// Put stores a payload and returns its address. Storing the same
	// bytes twice returns the same address without a second write.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the payload at an address, verifying its digest.
	Get(ctx context.Context, address string) ([]byte, error)
	// Exists reports whether an address is stored.
	Exists(ctx context.Context, address string) (bool, error)
	// Stats summarizes the store.
	Stats(ctx context.Context) (*Stats, error)
	// Prune removes objects stored before the cutoff and returns how
	// many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
