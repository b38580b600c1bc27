// Package lhub defines the client-side view of the Hub:
// the coordination service that exchanges candidate endpoints between peers,
// brokers hole punch rendezvous, and forwards relay traffic.
//
// The Hub itself is an external collaborator;
// this package only speaks to it.
package lhub

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lynx-engine/lynx/lid"
)

// TransportKind identifies which reachability technique
// a candidate endpoint belongs to.
type TransportKind int

const (
	KindDirect TransportKind = iota
	KindPunch
	KindRelay
)

func (k TransportKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindPunch:
		return "punch"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// Origin records how a candidate endpoint was learned.
type Origin int

const (
	OriginHubAdvertised Origin = iota
	OriginObserved
	OriginCached
)

func (o Origin) String() string {
	switch o {
	case OriginHubAdvertised:
		return "hub_advertised"
	case OriginObserved:
		return "observed"
	case OriginCached:
		return "cached"
	default:
		return fmt.Sprintf("Origin(%d)", int(o))
	}
}

// Candidate is one possible endpoint for reaching a peer.
// Candidates are produced per connection attempt and never persisted.
type Candidate struct {
	Kind TransportKind

	// Addr is a host:port string for direct and punch candidates,
	// and an opaque relay locator for relay candidates.
	Addr string

	Origin Origin

	// When the candidate was learned.
	// Stale candidates are still attempted, only deprioritized by the caller.
	FreshAt time.Time
}

// PunchGrant is the Hub's response to a punch coordination request.
// Both peers receive a grant for the same session,
// with complementary Initiator values:
// the Hub assigns the handshake roles,
// so the two sides can never both assume the same role.
type PunchGrant struct {
	Session uuid.UUID

	// The peer's externally observed UDP address.
	PeerAddr *net.UDPAddr

	// The end of the coordination window.
	// Punch datagrams sent after this point will not be answered.
	Deadline time.Time

	// Whether this side acts as the TLS client once the path is open.
	Initiator bool
}

// RelayTunnel is an open byte-forwarding tunnel through the Hub.
type RelayTunnel struct {
	Conn net.Conn

	// Whether this side acts as the TLS client over the tunnel.
	// Assigned by the Hub when it pairs the two tunnel halves.
	Initiator bool
}

// Hub is the coordination service consumed by the connection engine.
//
// All methods honor context cancellation.
// CoordinatePunch blocks until the peer arrives at the rendezvous,
// the Hub-side wait bound expires, or ctx is done.
type Hub interface {
	// FetchCandidates returns the known candidate endpoints for a peer.
	FetchCandidates(ctx context.Context, peer lid.ID) ([]Candidate, error)

	// CoordinatePunch registers this node's observed address for a punch
	// rendezvous with the given peer and blocks until the grant is issued.
	CoordinatePunch(ctx context.Context, peer lid.ID, localObserved string) (PunchGrant, error)

	// ReleasePunch explicitly abandons a punch coordination session.
	// Cancelled punch attempts must call this rather than relying on
	// the Hub timing the session out server-side.
	ReleasePunch(ctx context.Context, session uuid.UUID) error

	// OpenRelayTunnel opens a forwarding tunnel to the peer through the Hub.
	OpenRelayTunnel(ctx context.Context, peer lid.ID) (RelayTunnel, error)
}
