// Package ldrive contains the strategy drivers:
// one per reachability technique (direct, coordinated hole punch, relay).
//
// A driver turns candidate endpoints into a [RawTransport] or fails.
// Drivers know nothing about peer authentication;
// binding the transport to the expected peer identity
// is the handshake engine's job.
package ldrive

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
	"github.com/quic-go/quic-go"
)

// Strategy names one reachability technique.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyPunch  Strategy = "punch"
	StrategyRelay  Strategy = "relay"
)

// DefaultOrder is the default strategy plan:
// cheapest and fastest first, relay as the fallback of last resort.
func DefaultOrder() []Strategy {
	return []Strategy{StrategyDirect, StrategyPunch, StrategyRelay}
}

// RawTransport is the product of a winning driver:
// a bidirectional path to the peer that has not yet been
// bound to the peer's identity.
//
// Exactly one backend group is populated:
//   - QUIC: an established QUIC connection (direct strategy).
//     The TLS handshake has run, but the presented certificate
//     has not been checked against the expected peer.
//   - Packet + PeerAddr: a punched UDP socket and the verified
//     remote address (punch strategy).
//   - Stream: a relay tunnel (relay strategy).
type RawTransport struct {
	Strategy Strategy

	// Whether this side acts as the TLS client during the handshake.
	// For direct transports this is always true (we dialed).
	// For punch and relay transports the role is assigned by the Hub.
	Initiator bool

	QUIC quic.Connection

	Packet   net.PacketConn
	PeerAddr *net.UDPAddr

	Stream net.Conn

	closeOnce sync.Once
	cleanup   []func() error
}

// AddCleanup registers a release step to run on [RawTransport.Close].
// Steps run in reverse registration order.
func (rt *RawTransport) AddCleanup(fn func() error) {
	rt.cleanup = append(rt.cleanup, fn)
}

// Close releases every resource the driver opened for this transport.
// It is idempotent.
func (rt *RawTransport) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		for i := len(rt.cleanup) - 1; i >= 0; i-- {
			err = errors.Join(err, rt.cleanup[i]())
		}
	})
	return err
}

// Driver is one reachability technique.
//
// Open must honor ctx cancellation promptly,
// and must not leak any socket or hub coordination state on any path:
// a cancelled punch attempt releases its session with the Hub,
// not merely its local socket.
type Driver interface {
	Strategy() Strategy

	// Viable reports whether the driver has anything to try
	// given the candidate set. Non-viable drivers are skipped
	// without any network I/O.
	Viable(cands []lhub.Candidate) bool

	Open(ctx context.Context, peer lid.ID, cands []lhub.Candidate) (*RawTransport, error)
}

// filterByKind returns the candidates of the given kind, preserving order.
func filterByKind(cands []lhub.Candidate, kind lhub.TransportKind) []lhub.Candidate {
	var out []lhub.Candidate
	for _, c := range cands {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
