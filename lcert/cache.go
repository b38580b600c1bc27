// Package lcert maintains the cache of verified peer certificates.
//
// The cache is append-only in normal operation:
// once a peer's public key has been verified,
// a later handshake presenting a different key for the same node ID
// is a mismatch that must be surfaced, never silently accepted.
// Replacing a cached key is only possible through the explicit,
// logged [Cache.Override] operation.
package lcert

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lynx-engine/lynx/lid"
)

// Decision is the outcome of observing a peer certificate
// against the cache.
type Decision int

const (
	// DecisionAcceptNew means the node ID had no cached certificate,
	// and the observed one is now cached.
	DecisionAcceptNew Decision = iota

	// DecisionAlreadyVerified means the observed certificate carries
	// the same public key as the cached one.
	DecisionAlreadyVerified

	// DecisionRejectMismatch means the observed certificate carries
	// a different public key than the cached one.
	// The cached entry is retained.
	DecisionRejectMismatch
)

func (d Decision) String() string {
	switch d {
	case DecisionAcceptNew:
		return "accept_new"
	case DecisionAlreadyVerified:
		return "already_verified"
	case DecisionRejectMismatch:
		return "reject_mismatch"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Entry is a cached verified peer certificate.
type Entry struct {
	ID lid.ID

	// The verified leaf certificate.
	Leaf *x509.Certificate

	VerifiedAt time.Time
}

// Cache is a bounded cache of verified peer certificates,
// keyed by node ID.
// It is safe for concurrent use.
type Cache struct {
	log *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[lid.ID, Entry]
}

// NewCache returns a cache holding up to size entries.
func NewCache(log *slog.Logger, size int) (*Cache, error) {
	entries, err := lru.New[lid.ID, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate cache: %w", err)
	}

	return &Cache{
		log:     log,
		entries: entries,
	}, nil
}

// Observe records the outcome of a successful cryptographic verification
// of leaf for the given node ID, and returns the cache decision.
//
// A [DecisionRejectMismatch] leaves the cache unchanged;
// callers must treat the handshake as an identity failure.
func (c *Cache) Observe(id lid.ID, leaf *x509.Certificate) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries.Get(id)
	if !ok {
		c.entries.Add(id, Entry{
			ID:         id,
			Leaf:       leaf,
			VerifiedAt: time.Now(),
		})
		return DecisionAcceptNew
	}

	if bytes.Equal(cached.Leaf.RawSubjectPublicKeyInfo, leaf.RawSubjectPublicKeyInfo) {
		return DecisionAlreadyVerified
	}

	c.log.Warn(
		"Peer presented a different public key than previously verified",
		"peer", id.Short(),
		"cached_not_after", cached.Leaf.NotAfter,
		"presented_not_after", leaf.NotAfter,
		"security", true,
	)
	return DecisionRejectMismatch
}

// Lookup returns the cached entry for the given node ID, if any.
func (c *Cache) Lookup(id lid.ID) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Get(id)
}

// Override replaces the cached certificate for the given node ID.
// This is the explicit recovery path after a mismatch,
// for example when an operator has confirmed a legitimate key rotation.
// The override is always logged.
func (c *Cache) Override(id lid.ID, leaf *x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.entries.Get(id)
	c.entries.Add(id, Entry{
		ID:         id,
		Leaf:       leaf,
		VerifiedAt: time.Now(),
	})

	c.log.Warn(
		"Peer certificate cache entry explicitly overridden",
		"peer", id.Short(),
		"replaced_existing", existed,
		"security", true,
	)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}
