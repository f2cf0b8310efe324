package contentstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// memoryObject is one stored payload.
type memoryObject struct {
	data     []byte
	storedAt time.Time
}

// MemoryBackend keeps objects in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	ready   bool
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Initialize implements Backend.
func (b *MemoryBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = make(map[string]memoryObject)
	b.ready = true
	return nil
}

// Shutdown implements Backend.
func (b *MemoryBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = nil
	b.ready = false
	return nil
}

// Health implements Backend.
func (b *MemoryBackend) Health(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.ready {
		return fmt.Errorf("content store not ready")
	}
	return nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, data []byte) (string, error) {
	address := AddressOf(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return "", errdefs.Storage("content store not ready")
	}

	// Idempotent: identical bytes are already stored under this address.
	if _, exists := b.objects[address]; exists {
		return address, nil
	}

	b.objects[address] = memoryObject{
		data:     append([]byte(nil), data...),
		storedAt: time.Now().UTC(),
	}
	return address, nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, address string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, errdefs.Storage("content store not ready")
	}

	obj, exists := b.objects[address]
	if !exists {
		return nil, errdefs.NotFound("no object at address " + address)
	}

	// Tamper evidence: the payload must still hash to its address.
	if AddressOf(obj.data) != address {
		return nil, errdefs.Storage("stored object fails digest check: " + address)
	}

	return append([]byte(nil), obj.data...), nil
}

// Exists implements Backend.
func (b *MemoryBackend) Exists(ctx context.Context, address string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return false, errdefs.Storage("content store not ready")
	}
	_, exists := b.objects[address]
	return exists, nil
}

// Stats implements Backend.
func (b *MemoryBackend) Stats(ctx context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, errdefs.Storage("content store not ready")
	}

	stats := &Stats{Count: len(b.objects)}
	for _, obj := range b.objects {
		stats.TotalSize += int64(len(obj.data))
		if stats.Oldest.IsZero() || obj.storedAt.Before(stats.Oldest) {
			stats.Oldest = obj.storedAt
		}
		if obj.storedAt.After(stats.Newest) {
			stats.Newest = obj.storedAt
		}
	}
	return stats, nil
}

// Prune implements Backend.
func (b *MemoryBackend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return 0, errdefs.Storage("content store not ready")
	}

	removed := 0
	for address, obj := range b.objects {
		if obj.storedAt.Before(olderThan) {
			delete(b.objects, address)
			removed++
		}
	}
	return removed, nil
}
