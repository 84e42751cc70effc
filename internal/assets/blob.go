package assets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BlobScheme prefixes locators handed out by a BlobRegistry.
const BlobScheme = "blob:"

// BlobRegistry keeps uploaded audio addressable by an opaque locator until it
// is revoked.
type BlobRegistry struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string][]byte)}
}

// Put stores data and returns its locator. The registry keeps its own copy.
func (r *BlobRegistry) Put(data []byte) string {
	locator := BlobScheme + uuid.NewString()
	r.mu.Lock()
	r.blobs[locator] = append([]byte(nil), data...)
	r.mu.Unlock()
	return locator
}

// Get returns the bytes behind locator.
func (r *BlobRegistry) Get(locator string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("blob %s not found or revoked", locator)
	}
	return data, nil
}

// Revoke releases the blob. Revoking an unknown locator is a no-op.
func (r *BlobRegistry) Revoke(locator string) bool {
	if !strings.HasPrefix(locator, BlobScheme) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blobs[locator]; !ok {
		return false
	}
	delete(r.blobs, locator)
	return true
}

// Len returns the number of live blobs.
func (r *BlobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}
