package lynx

import (
	"bytes"
	"sync"

	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lsecure"
)

// table is the connection table: at most one live channel per peer.
//
// When an outbound attempt and an inbound connection to the same peer
// finish near-simultaneously, the survivor is chosen by a rule both
// endpoints compute identically: the channel opened by the lower of the
// two node IDs stays. First-wins would let each side install its own
// outbound channel and then close the other's, leaving both tables empty.
type table struct {
	mu       sync.RWMutex
	channels map[lid.ID]*lsecure.Channel
}

func newTable() *table {
	return &table{
		channels: make(map[lid.ID]*lsecure.Channel),
	}
}

// insert installs ch for its peer and returns the channel now in the
// table, plus the loser of a duplicate pair for the caller to close.
//
// A duplicate is resolved toward the channel whose opener is the lower
// node ID; two duplicates opened by the same side keep the earlier one.
func (t *table) insert(self lid.ID, ch *lsecure.Channel) (kept, evicted *lsecure.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer := ch.PeerID()
	existing, ok := t.channels[peer]
	if !ok {
		t.channels[peer] = ch
		return ch, nil
	}

	lower := lowerOf(self, peer)
	if openerOf(self, ch) == lower && openerOf(self, existing) != lower {
		t.channels[peer] = ch
		return ch, existing
	}
	return existing, ch
}

// openerOf returns the identity that opened the channel.
func openerOf(self lid.ID, ch *lsecure.Channel) lid.ID {
	if ch.Initiator() {
		return self
	}
	return ch.PeerID()
}

func lowerOf(a, b lid.ID) lid.ID {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a
	}
	return b
}

// remove deletes the entry for peer only if it still maps to ch,
// so a stale removal cannot evict a newer channel.
func (t *table) remove(peer lid.ID, ch *lsecure.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channels[peer] != ch {
		return false
	}
	delete(t.channels, peer)
	return true
}

func (t *table) get(peer lid.ID) (*lsecure.Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.channels[peer]
	return ch, ok
}

func (t *table) peers() []lid.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]lid.ID, 0, len(t.channels))
	for id := range t.channels {
		out = append(out, id)
	}
	return out
}

// snapshot returns the live channels at this instant.
func (t *table) snapshot() []*lsecure.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*lsecure.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

// drain empties the table and returns the channels for the caller to close.
func (t *table) drain() []*lsecure.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*lsecure.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	t.channels = make(map[lid.ID]*lsecure.Channel)
	return out
}
