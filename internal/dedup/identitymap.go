package dedup

import (
	"context"
	"sync"
)

// Key is what a product is recognised by across observations.
type Key struct {
	NormalizedName string
	Retailer       string
}

func (k Key) String() string {
	return k.Retailer + "|" + k.NormalizedName
}

// IdentityMap remembers which product_id a key resolved to. Implementations
// must be safe for concurrent use.
type IdentityMap interface {
	Lookup(ctx context.Context, key Key) (productID string, found bool, err error)
	// Claim binds key to productID unless it is already bound, and returns
	// whichever product_id the key ends up bound to.
	Claim(ctx context.Context, key Key, productID string) (winner string, err error)
}

// MemoryIdentityMap is the in-process IdentityMap.
type MemoryIdentityMap struct {
	mu  sync.RWMutex
	ids map[Key]string
}

func NewMemoryIdentityMap() *MemoryIdentityMap {
	return &MemoryIdentityMap{ids: make(map[Key]string)}
}

func (m *MemoryIdentityMap) Lookup(ctx context.Context, key Key) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[key]
	return id, ok, nil
}

func (m *MemoryIdentityMap) Claim(ctx context.Context, key Key, productID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.ids[key]; ok {
		return existing, nil
	}
	m.ids[key] = productID
	return productID, nil
}

// Len reports the number of bound keys.
func (m *MemoryIdentityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}
