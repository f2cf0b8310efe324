package contentstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// DiskBackend stores objects as files under a two-level fan-out directory
// derived from the address prefix.
type DiskBackend struct {
	mu    sync.RWMutex
	root  string
	ready bool
}

// NewDiskBackend creates a filesystem-backed store rooted at path.
func NewDiskBackend(root string) *DiskBackend {
	return &DiskBackend{root: root}
}

// objectPath fans addresses out as root/ab/cd/<address>.
func (b *DiskBackend) objectPath(address string) string {
	return filepath.Join(b.root, address[:2], address[2:4], address)
}

// Initialize implements Backend.
func (b *DiskBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.root, 0o750); err != nil {
		return errdefs.Storage("create store root").WithCause(err)
	}
	b.ready = true
	return nil
}

// Shutdown implements Backend.
func (b *DiskBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	return nil
}

// Health implements Backend.
func (b *DiskBackend) Health(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return fmt.Errorf("content store not ready")
	}
	if _, err := os.Stat(b.root); err != nil {
		return fmt.Errorf("store root: %w", err)
	}
	return nil
}

// Put implements Backend.
func (b *DiskBackend) Put(ctx context.Context, data []byte) (string, error) {
	address := AddressOf(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return "", errdefs.Storage("content store not ready")
	}

	path := b.objectPath(address)
	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", errdefs.Storage("create object dir").WithCause(err)
	}

	// Write-then-rename keeps partially written objects invisible.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", errdefs.Storage("write object").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errdefs.Storage("commit object").WithCause(err)
	}
	return address, nil
}

// Get implements Backend.
func (b *DiskBackend) Get(ctx context.Context, address string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, errdefs.Storage("content store not ready")
	}
	if len(address) < 4 {
		return nil, errdefs.NotFound("malformed address " + address)
	}

	data, err := os.ReadFile(b.objectPath(address))
	if os.IsNotExist(err) {
		return nil, errdefs.NotFound("no object at address " + address)
	}
	if err != nil {
		return nil, errdefs.Storage("read object").WithCause(err)
	}

	if AddressOf(data) != address {
		return nil, errdefs.Storage("stored object fails digest check: " + address)
	}
	return data, nil
}

// Exists implements Backend.
func (b *DiskBackend) Exists(ctx context.Context, address string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return false, errdefs.Storage("content store not ready")
	}
	if len(address) < 4 {
		return false, nil
	}

	_, err := os.Stat(b.objectPath(address))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Storage("stat object").WithCause(err)
	}
	return true, nil
}

// Stats implements Backend.
func (b *DiskBackend) Stats(ctx context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, errdefs.Storage("content store not ready")
	}

	stats := &Stats{}
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Count++
		stats.TotalSize += info.Size()
		mod := info.ModTime().UTC()
		if stats.Oldest.IsZero() || mod.Before(stats.Oldest) {
			stats.Oldest = mod
		}
		if mod.After(stats.Newest) {
			stats.Newest = mod
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Storage("walk store").WithCause(err)
	}
	return stats, nil
}

// Prune implements Backend.
func (b *DiskBackend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return 0, errdefs.Storage("content store not ready")
	}

	removed := 0
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errdefs.Storage("prune store").WithCause(err)
	}
	return removed, nil
}
