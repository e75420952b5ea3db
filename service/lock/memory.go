package lock

import (
	"context"
	"sync"
	"time"
)

type memoryGrant struct {
	holder    string
	expiresAt time.Time
}

// MemoryGuard is an in-process Guard for tests and single-node development.
type MemoryGuard struct {
	mu     sync.Mutex
	grants map[Key]memoryGrant
	now    func() time.Time
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		grants: make(map[Key]memoryGrant),
		now:    time.Now,
	}
}

func (g *MemoryGuard) TryAcquire(_ context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grant, ok := g.grants[key]
	if ok && g.now().Before(grant.expiresAt) {
		return false, nil
	}
	g.grants[key] = memoryGrant{holder: holder, expiresAt: g.now().Add(ttl)}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key Key, holder string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grant, ok := g.grants[key]
	if !ok || grant.holder != holder {
		return false, nil
	}
	delete(g.grants, key)
	return g.now().Before(grant.expiresAt), nil
}

// Held reports whether a live grant exists for the key. Test helper.
func (g *MemoryGuard) Held(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	grant, ok := g.grants[key]
	return ok && g.now().Before(grant.expiresAt)
}

// SetClock overrides the time source. Test helper.
func (g *MemoryGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}
