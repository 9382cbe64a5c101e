package credential

import (
	"crypto"
	"fmt"
	"sync"
)

// MemoryStore is a Store that keeps everything in memory. It is used by
// tests and by devices without writable storage.
type MemoryStore struct {
	*versionedStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	return &MemoryStore{versionedStore: newVersionedStore(&memoryBackend{
		keys: make(map[string]crypto.Signer),
	}, cfg)}
}

type memoryBackend struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
}

func memoryKeyRef(fp string, version uint64) string {
	return fmt.Sprintf("mem:%s/v%d", fp, version)
}

func (b *memoryBackend) load() ([]*Record, error) { return nil, nil }

func (b *memoryBackend) saveAnchor(*TrustAnchor) error { return nil }

func (b *memoryBackend) saveRecord(*Record) error { return nil }

func (b *memoryBackend) saveMaterial(fp string, c *Credential, key crypto.Signer) (string, error) {
	ref := memoryKeyRef(fp, c.Version)
	b.mu.Lock()
	b.keys[ref] = key
	b.mu.Unlock()
	return ref, nil
}

func (b *memoryBackend) loadSigner(_ string, c *Credential) (crypto.Signer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.keys[c.KeyRef]
	if !ok {
		return nil, ErrKeyUnavailable
	}
	return key, nil
}

func (b *memoryBackend) removeMaterial(_ string, c *Credential) error {
	b.mu.Lock()
	delete(b.keys, c.KeyRef)
	b.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
