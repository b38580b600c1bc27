package ldrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
)

// Punch datagram layout: 4-byte magic, 16-byte session ID, 1-byte type.
var punchMagic = []byte("LYNP")

const (
	punchPacketLen = 4 + 16 + 1

	punchTypeProbe byte = 0x00
	punchTypeAck   byte = 0x01
)

// ErrSymmetricNAT means address discovery observed a different external
// mapping per destination. Punch datagrams aimed at the STUN-observed
// address would hit a port the NAT never allocated for the peer,
// so the punch is not attempted at all.
var ErrSymmetricNAT = errors.New("symmetric NAT detected, hole punch not viable")

// PunchDriver performs Hub-coordinated UDP hole punching.
//
// Both peers learn their externally observed addresses,
// rendezvous through the Hub, and then send datagrams toward
// each other's observed address within the coordination window.
// Success requires an observed round trip:
// an ack from the expected peer address proving our probes arrive.
type PunchDriver struct {
	Log *slog.Logger

	Hub lhub.Hub

	// STUN servers used to discover the socket's external mapping.
	// The first is the primary. When more than one is configured,
	// the mappings are compared before any hub coordination;
	// a disagreement fails the punch with [ErrSymmetricNAT].
	STUNServers []string

	// Observe overrides external address discovery.
	// Nil means a STUN binding request against the primary server.
	// Tests on loopback inject the socket's local address here.
	Observe func(ctx context.Context, pconn net.PacketConn) (string, error)

	// Interval between punch probes. Zero means 200ms.
	SendInterval time.Duration
}

var _ Driver = (*PunchDriver)(nil)

func (d *PunchDriver) Strategy() Strategy { return StrategyPunch }

func (d *PunchDriver) Viable(cands []lhub.Candidate) bool {
	return len(filterByKind(cands, lhub.KindPunch)) > 0
}

func (d *PunchDriver) Open(
	ctx context.Context, peer lid.ID, _ []lhub.Candidate,
) (*RawTransport, error) {
	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to bind punch socket: %w", err)
	}

	observed, err := d.observe(ctx, sock)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to discover observed address: %w", err)
	}

	if len(d.STUNServers) > 1 {
		symmetric, cerr := d.classifyNAT(ctx, sock, observed)
		if cerr != nil {
			// Inconclusive classification is not a reason
			// to abandon an otherwise viable punch.
			d.Log.Debug("NAT classification inconclusive", "err", cerr)
		} else if symmetric {
			d.Log.Debug("Skipping punch behind symmetric NAT", "peer", peer.Short())
			_ = sock.Close()
			return nil, ErrSymmetricNAT
		}
	}

	grant, err := d.Hub.CoordinatePunch(ctx, peer, observed)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("punch coordination failed: %w", err)
	}

	d.Log.Debug(
		"Punch coordinated",
		"peer", peer.Short(),
		"session", grant.Session,
		"peer_addr", grant.PeerAddr.String(),
		"initiator", grant.Initiator,
	)

	peerAddr, err := d.punch(ctx, sock, grant)
	if err != nil {
		// The coordination must be released explicitly,
		// even (especially) when we are being cancelled.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if relErr := d.Hub.ReleasePunch(relCtx, grant.Session); relErr != nil {
			d.Log.Debug("Failed to release punch session", "session", grant.Session, "err", relErr)
		}
		cancel()

		_ = sock.Close()
		return nil, err
	}

	rt := &RawTransport{
		Strategy:  StrategyPunch,
		Initiator: grant.Initiator,
		Packet:    &punchFilterConn{PacketConn: sock},
		PeerAddr:  peerAddr,
	}
	rt.AddCleanup(sock.Close)
	return rt, nil
}

func (d *PunchDriver) observe(ctx context.Context, pconn net.PacketConn) (string, error) {
	if d.Observe != nil {
		return d.Observe(ctx, pconn)
	}
	if len(d.STUNServers) == 0 {
		return "", errors.New("no STUN server configured")
	}
	return lhub.ObservedAddr(ctx, pconn, d.STUNServers[0])
}

// classifyNAT probes the remaining STUN servers over the same socket
// and reports whether the external mappings disagree.
// NAT mappings are per-socket, so the probes must use the punch socket.
func (d *PunchDriver) classifyNAT(
	ctx context.Context, sock net.PacketConn, primary string,
) (bool, error) {
	mappings := []string{primary}
	for _, server := range d.STUNServers[1:] {
		m, err := lhub.ObservedAddr(ctx, sock, server)
		if err != nil {
			return false, fmt.Errorf("probe against %q failed: %w", server, err)
		}
		mappings = append(mappings, m)
	}
	return lhub.ClassifySymmetric(mappings), nil
}

// punch runs the simultaneous-send loop until a round trip is observed,
// the grant deadline passes, or ctx is cancelled.
// It returns the address the peer's datagrams actually arrived from,
// which may differ from the granted address in the port
// (port-translating NATs rewrite it).
func (d *PunchDriver) punch(
	ctx context.Context, sock *net.UDPConn, grant lhub.PunchGrant,
) (*net.UDPAddr, error) {
	interval := d.SendInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	probe := punchPacket(grant.Session, punchTypeProbe)
	ack := punchPacket(grant.Session, punchTypeAck)

	buf := make([]byte, 64)
	target := grant.PeerAddr

	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		if time.Now().After(grant.Deadline) {
			return nil, fmt.Errorf("punch window expired for session %s", grant.Session)
		}

		if _, err := sock.WriteToUDP(probe, target); err != nil {
			return nil, fmt.Errorf("failed to send punch probe: %w", err)
		}

		readDeadline := time.Now().Add(interval)
		if grant.Deadline.Before(readDeadline) {
			readDeadline = grant.Deadline
		}
		if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
			readDeadline = d
		}
		if err := sock.SetReadDeadline(readDeadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}

		for {
			n, from, err := sock.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break // Next probe round.
				}
				return nil, fmt.Errorf("punch socket read failed: %w", err)
			}

			typ, ok := parsePunchPacket(buf[:n], grant.Session)
			if !ok {
				continue
			}

			// Only the expected peer counts. The NAT may rewrite the
			// source port, but the IP must match the granted address.
			if !from.IP.Equal(grant.PeerAddr.IP) {
				d.Log.Debug("Ignoring punch packet from unexpected address",
					"from", from.String(), "want_ip", grant.PeerAddr.IP.String())
				continue
			}

			// A valid packet from the peer proves their path to us is
			// open. Ack their probe (so their side completes too) and
			// report success; the handshake that follows verifies the
			// path in both directions.
			if typ == punchTypeProbe {
				if _, err := sock.WriteToUDP(ack, from); err != nil {
					return nil, fmt.Errorf("failed to send punch ack: %w", err)
				}
			}

			_ = sock.SetReadDeadline(time.Time{})
			return from, nil
		}
	}
}

func punchPacket(session uuid.UUID, typ byte) []byte {
	pkt := make([]byte, punchPacketLen)
	copy(pkt[0:4], punchMagic)
	copy(pkt[4:20], session[:])
	pkt[20] = typ
	return pkt
}

func parsePunchPacket(pkt []byte, session uuid.UUID) (byte, bool) {
	if len(pkt) != punchPacketLen {
		return 0, false
	}
	if !bytes.Equal(pkt[0:4], punchMagic) {
		return 0, false
	}
	if !bytes.Equal(pkt[4:20], session[:]) {
		return 0, false
	}
	typ := pkt[20]
	if typ != punchTypeProbe && typ != punchTypeAck {
		return 0, false
	}
	return typ, true
}

// punchFilterConn drops any punch datagrams still in flight
// after the punch succeeds, so the QUIC handshake that follows
// is not disturbed by stragglers.
type punchFilterConn struct {
	net.PacketConn
}

func (c *punchFilterConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		if n == punchPacketLen && bytes.Equal(p[0:4], punchMagic) {
			continue
		}
		return n, addr, nil
	}
}
