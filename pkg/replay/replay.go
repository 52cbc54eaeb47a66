// Package replay implements the Inbound Pipeline's replay protection: a
// bounded, per-sender LRU of recently seen nonces. The guard is in-memory
// only — a restart erases it, which the node's threat model accepts.
package replay

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// MaxNonceLength is the largest nonce this guard will track.
const MaxNonceLength = 256

// DefaultPerSenderCapacity is the default number of nonces retained per
// sender before the oldest is evicted.
const DefaultPerSenderCapacity = 10000

// Guard tracks recently seen (sender, nonce) pairs to reject replayed
// envelopes. Each sender gets its own bounded LRU so one noisy sender
// cannot evict another's nonce history.
type Guard struct {
	perSenderCap int

	mu      sync.RWMutex
	senders map[string]*senderCache
}

type senderCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// New creates a replay guard that retains up to perSenderCap nonces per
// sender fingerprint.
func New(perSenderCap int) *Guard {
	if perSenderCap <= 0 {
		perSenderCap = DefaultPerSenderCapacity
	}
	return &Guard{
		perSenderCap: perSenderCap,
		senders:      make(map[string]*senderCache),
	}
}

// CheckAndInsert atomically checks whether nonce has already been seen for
// senderFP and, if not, records it. It returns isReplay=true when the pair
// was already present — the caller should reject the envelope with
// REPLAY_DETECTED in that case.
func (g *Guard) CheckAndInsert(senderFP, nonce string) (isReplay bool, err error) {
	if len(nonce) == 0 || len(nonce) > MaxNonceLength {
		return false, fmt.Errorf("replay: nonce length must be between 1 and %d, got %d", MaxNonceLength, len(nonce))
	}

	sc := g.senderCacheFor(senderFP)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.cache.Get(nonce); ok {
		return true, nil
	}
	sc.cache.Add(nonce, struct{}{})
	return false, nil
}

// senderCacheFor returns the LRU for senderFP, creating it on first use.
func (g *Guard) senderCacheFor(senderFP string) *senderCache {
	g.mu.RLock()
	sc, ok := g.senders[senderFP]
	g.mu.RUnlock()
	if ok {
		return sc
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if sc, ok = g.senders[senderFP]; ok {
		return sc
	}

	cache, _ := lru.New(g.perSenderCap) // only errors on size <= 0, guarded in New
	sc = &senderCache{cache: cache}
	g.senders[senderFP] = sc
	return sc
}

// SenderCount reports how many distinct senders currently have a tracked
// nonce history. Exposed for tests and diagnostics.
func (g *Guard) SenderCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.senders)
}

// Forget drops a sender's entire nonce history, e.g. when a contact is
// removed.
func (g *Guard) Forget(senderFP string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, senderFP)
}
