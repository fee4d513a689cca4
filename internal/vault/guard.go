package vault

import (
	"fmt"
	"sync"

	"github.com/openperp/vault-engine/internal/model"
)

// KeyGuard is a per-key operation-in-progress flag. It rejects reentrant
// entry into an operation on the same key while a call to an external
// collaborator (bank transfer, oracle, fee service) is still outstanding.
// Acquire at operation entry, release on every exit path.
type KeyGuard struct {
	mu     sync.Mutex
	inUse  map[string]bool
}

// NewKeyGuard creates an empty guard.
func NewKeyGuard() *KeyGuard {
	return &KeyGuard{inUse: make(map[string]bool)}
}

// Acquire marks key as in progress. Fails with a StateError if an
// operation on the same key is already running.
func (g *KeyGuard) Acquire(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse[key] {
		return fmt.Errorf("%w: operation already in progress for %s", model.ErrState, key)
	}
	g.inUse[key] = true
	return nil
}

// Release clears the in-progress flag for key.
func (g *KeyGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inUse, key)
}
