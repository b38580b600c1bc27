// Package lhubtest provides an in-process fake Hub for tests.
//
// The fake performs real rendezvous:
// two nodes coordinating a punch or opening a relay tunnel to each other
// are paired just like the production hub pairs them,
// including the hub-assigned handshake roles.
package lhubtest

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
)

// Hub is the shared fake hub state.
// Create one per test and hand each node its own view via [Hub.For].
type Hub struct {
	// Artificial delay applied to FetchCandidates,
	// for tests exercising join-existing-attempt behavior.
	FetchDelay time.Duration

	// Length of the punch coordination window. Defaults to 2s.
	PunchWindow time.Duration

	mu         sync.Mutex
	candidates map[lid.ID][]lhub.Candidate
	punches    map[pairKey]*punchRendezvous
	relays     map[pairKey]*relayRendezvous
	released   map[uuid.UUID]bool

	fetchCalls atomic.Int64
	punchCalls atomic.Int64
	relayOpens atomic.Int64
}

// NewHub returns an empty fake hub.
func NewHub() *Hub {
	return &Hub{
		PunchWindow: 2 * time.Second,
		candidates:  make(map[lid.ID][]lhub.Candidate),
		punches:     make(map[pairKey]*punchRendezvous),
		relays:      make(map[pairKey]*relayRendezvous),
		released:    make(map[uuid.UUID]bool),
	}
}

// SetCandidates registers the candidates the hub advertises for a peer.
func (h *Hub) SetCandidates(peer lid.ID, cands ...lhub.Candidate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates[peer] = cands
}

// For returns the hub as seen by one particular node.
func (h *Hub) For(self lid.ID) lhub.Hub {
	return &boundHub{hub: h, self: self}
}

// FetchCalls returns how many candidate fetches have been served.
func (h *Hub) FetchCalls() int64 { return h.fetchCalls.Load() }

// PunchCalls returns how many punch coordinations have been requested.
func (h *Hub) PunchCalls() int64 { return h.punchCalls.Load() }

// RelayOpens returns how many relay tunnels have been requested.
func (h *Hub) RelayOpens() int64 { return h.relayOpens.Load() }

// Released reports whether the given punch session was explicitly released.
func (h *Hub) Released(session uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released[session]
}

type pairKey [2]lid.ID

func pairOf(a, b lid.ID) pairKey {
	if bytes.Compare(a[:], b[:]) < 0 {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

type punchRendezvous struct {
	session       uuid.UUID
	firstID       lid.ID
	firstObserved string

	// Closed when the second party arrives or the session is released.
	ready chan struct{}

	secondObserved string
	released       bool
}

type relayRendezvous struct {
	firstID lid.ID
	ready   chan struct{}

	// The first party's end of the pipe, set before ready is closed.
	firstConn net.Conn
}

type boundHub struct {
	hub  *Hub
	self lid.ID
}

var _ lhub.Hub = (*boundHub)(nil)

func (b *boundHub) FetchCandidates(ctx context.Context, peer lid.ID) ([]lhub.Candidate, error) {
	b.hub.fetchCalls.Add(1)

	if d := b.hub.FetchDelay; d > 0 {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(d):
		}
	}

	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	cands := b.hub.candidates[peer]
	out := make([]lhub.Candidate, len(cands))
	copy(out, cands)
	return out, nil
}

func (b *boundHub) CoordinatePunch(
	ctx context.Context, peer lid.ID, localObserved string,
) (lhub.PunchGrant, error) {
	b.hub.punchCalls.Add(1)

	key := pairOf(b.self, peer)

	b.hub.mu.Lock()
	r, ok := b.hub.punches[key]
	if !ok || r.firstID == b.self {
		// First to arrive (or re-arrival after our own stale session):
		// register and wait for the peer.
		r = &punchRendezvous{
			session:       uuid.New(),
			firstID:       b.self,
			firstObserved: localObserved,
			ready:         make(chan struct{}),
		}
		b.hub.punches[key] = r
		b.hub.mu.Unlock()

		select {
		case <-ctx.Done():
			b.hub.mu.Lock()
			if b.hub.punches[key] == r {
				delete(b.hub.punches, key)
			}
			b.hub.mu.Unlock()
			return lhub.PunchGrant{}, context.Cause(ctx)

		case <-r.ready:
			b.hub.mu.Lock()
			released := r.released
			observed := r.secondObserved
			b.hub.mu.Unlock()
			if released {
				return lhub.PunchGrant{}, fmt.Errorf("punch session %s released by peer", r.session)
			}

			peerAddr, err := net.ResolveUDPAddr("udp", observed)
			if err != nil {
				return lhub.PunchGrant{}, fmt.Errorf("bad observed address %q: %w", observed, err)
			}
			return lhub.PunchGrant{
				Session:   r.session,
				PeerAddr:  peerAddr,
				Deadline:  time.Now().Add(b.hub.PunchWindow),
				Initiator: true,
			}, nil
		}
	}

	// Second to arrive: complete the rendezvous.
	r.secondObserved = localObserved
	delete(b.hub.punches, key)
	close(r.ready)
	b.hub.mu.Unlock()

	peerAddr, err := net.ResolveUDPAddr("udp", r.firstObserved)
	if err != nil {
		return lhub.PunchGrant{}, fmt.Errorf("bad observed address %q: %w", r.firstObserved, err)
	}
	return lhub.PunchGrant{
		Session:   r.session,
		PeerAddr:  peerAddr,
		Deadline:  time.Now().Add(b.hub.PunchWindow),
		Initiator: false,
	}, nil
}

func (b *boundHub) ReleasePunch(_ context.Context, session uuid.UUID) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()

	b.hub.released[session] = true

	for key, r := range b.hub.punches {
		if r.session == session {
			r.released = true
			delete(b.hub.punches, key)
			close(r.ready)
		}
	}
	return nil
}

func (b *boundHub) OpenRelayTunnel(ctx context.Context, peer lid.ID) (lhub.RelayTunnel, error) {
	b.hub.relayOpens.Add(1)

	key := pairOf(b.self, peer)

	b.hub.mu.Lock()
	r, ok := b.hub.relays[key]
	if !ok || r.firstID == b.self {
		r = &relayRendezvous{
			firstID: b.self,
			ready:   make(chan struct{}),
		}
		b.hub.relays[key] = r
		b.hub.mu.Unlock()

		select {
		case <-ctx.Done():
			b.hub.mu.Lock()
			if b.hub.relays[key] == r {
				delete(b.hub.relays, key)
			}
			b.hub.mu.Unlock()
			return lhub.RelayTunnel{}, context.Cause(ctx)

		case <-r.ready:
			return lhub.RelayTunnel{Conn: r.firstConn, Initiator: true}, nil
		}
	}

	// Second to arrive: create the pipe and wake the first party.
	c1, c2 := net.Pipe()
	r.firstConn = c1
	delete(b.hub.relays, key)
	close(r.ready)
	b.hub.mu.Unlock()

	return lhub.RelayTunnel{Conn: c2, Initiator: false}, nil
}
