// Package lsecure upgrades raw transports to authenticated encrypted channels.
//
// Peers present self-signed certificates; there is no CA hierarchy.
// Trust comes from the identity binding:
// the fingerprint of the presented public key must equal the node ID
// the caller asked to connect to.
// A certificate that verifies cryptographically but belongs to a
// different identity is an authentication failure, never a channel.
package lsecure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lynx-engine/lynx/lcert"
	"github.com/lynx-engine/lynx/ldrive"
	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lident"
	"github.com/quic-go/quic-go"
)

// Protocol is the ALPN protocol name spoken on every channel.
const Protocol = "lynx/1"

// Security failures. These are always surfaced and logged distinctly;
// they must never be conflated with ordinary connectivity errors.
var (
	// ErrIdentityMismatch means the peer presented a valid certificate
	// bound to a different node identity than expected,
	// or a different key than previously verified for that identity.
	ErrIdentityMismatch = errors.New("peer identity mismatch")

	// ErrDowngradeRejected means the peer offered protocol parameters
	// below the configured security floor.
	ErrDowngradeRejected = errors.New("peer offered parameters below security floor")
)

// ErrHandshakeTimeout means the handshake did not complete within
// the engine's handshake window. The raw transport is closed;
// the orchestrator may try the next strategy.
var ErrHandshakeTimeout = errors.New("handshake timed out")

// Engine performs mutually authenticated handshakes.
//
// The identity's private key is read-only after construction
// and may be used by any number of concurrent handshakes.
type Engine struct {
	Log *slog.Logger

	Identity *lident.Identity

	Certs *lcert.Cache

	// Bound on the whole handshake. Zero means 5 seconds.
	HandshakeTimeout time.Duration

	// QUIC configuration for handshakes over punched sockets.
	QUIC *quic.Config

	// Minimum acceptable TLS version. Zero means TLS 1.3.
	// This is a floor, never negotiable downward.
	MinVersion uint16
}

func (e *Engine) minVersion() uint16 {
	if e.MinVersion == 0 {
		return tls.VersionTLS13
	}
	return e.MinVersion
}

func (e *Engine) timeout() time.Duration {
	if e.HandshakeTimeout <= 0 {
		return 5 * time.Second
	}
	return e.HandshakeTimeout
}

// ClientTLS returns the TLS configuration for the active handshake role.
//
// Certificate verification is deliberately deferred:
// the chain check is disabled (there is no chain to check),
// and the identity binding runs after the handshake completes.
func (e *Engine) ClientTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{e.Identity.TLSCert},
		MinVersion:   e.minVersion(),
		NextProtos:   []string{Protocol},

		// Self-signed peer certificates cannot pass chain verification.
		// verifyState performs the actual authentication.
		InsecureSkipVerify: true,
	}
}

// ServerTLS returns the TLS configuration for the passive handshake role.
func (e *Engine) ServerTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{e.Identity.TLSCert},
		MinVersion:   e.minVersion(),
		NextProtos:   []string{Protocol},

		// The client certificate is required but not chain-verified;
		// verifyState performs the actual authentication.
		ClientAuth: tls.RequireAnyClientCert,
	}
}

// Secure upgrades the raw transport to a channel
// bound to the expected peer identity.
//
// On any error the raw transport is no longer usable;
// the caller closes it and decides whether to try another strategy.
func (e *Engine) Secure(
	ctx context.Context, rt *ldrive.RawTransport, expected lid.ID,
) (*Channel, error) {
	hsCtx, cancel := context.WithTimeoutCause(ctx, e.timeout(), ErrHandshakeTimeout)
	defer cancel()

	switch {
	case rt.QUIC != nil:
		return e.secureEstablishedQUIC(hsCtx, rt, expected)
	case rt.Packet != nil:
		return e.securePunched(hsCtx, rt, expected)
	case rt.Stream != nil:
		return e.secureStream(hsCtx, rt, expected)
	default:
		panic(errors.New("BUG: RawTransport has no backend"))
	}
}

// secureEstablishedQUIC handles the direct strategy:
// the QUIC connection already exists, so only the identity binding
// and the channel stream remain.
func (e *Engine) secureEstablishedQUIC(
	ctx context.Context, rt *ldrive.RawTransport, expected lid.ID,
) (*Channel, error) {
	leaf, err := e.verifyState(rt.QUIC.ConnectionState().TLS, expected)
	if err != nil {
		return nil, err
	}

	return e.channelFromQUIC(ctx, rt, rt.QUIC, leaf)
}

// securePunched handles the punch strategy:
// run QUIC over the punched socket in the hub-assigned role.
func (e *Engine) securePunched(
	ctx context.Context, rt *ldrive.RawTransport, expected lid.ID,
) (*Channel, error) {
	qt := &quic.Transport{Conn: rt.Packet}
	rt.AddCleanup(qt.Close)

	var conn quic.Connection
	if rt.Initiator {
		var err error
		conn, err = qt.Dial(ctx, rt.PeerAddr, e.ClientTLS(), e.QUIC)
		if err != nil {
			return nil, e.classify(ctx, fmt.Errorf("QUIC dial over punched socket failed: %w", err))
		}
	} else {
		ln, err := qt.Listen(e.ServerTLS(), e.QUIC)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on punched socket: %w", err)
		}
		rt.AddCleanup(ln.Close)

		conn, err = e.acceptFromPeer(ctx, ln, rt.PeerAddr)
		if err != nil {
			return nil, e.classify(ctx, err)
		}
	}

	leaf, err := e.verifyState(conn.ConnectionState().TLS, expected)
	if err != nil {
		_ = conn.CloseWithError(quicCodeAuthFailure, "authentication failed")
		return nil, err
	}

	rt.AddCleanup(func() error {
		return conn.CloseWithError(0, "channel closed")
	})
	return e.channelFromQUIC(ctx, rt, conn, leaf)
}

// acceptFromPeer accepts connections until one arrives
// from the punched peer address.
// Anything else on the socket is rejected:
// the punched path is for exactly one peer.
func (e *Engine) acceptFromPeer(
	ctx context.Context, ln *quic.Listener, peer *net.UDPAddr,
) (quic.Connection, error) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept over punched socket failed: %w", err)
		}

		remote, ok := conn.RemoteAddr().(*net.UDPAddr)
		if !ok || !remote.IP.Equal(peer.IP) {
			e.Log.Warn(
				"Rejecting connection from unexpected address on punched socket",
				"remote", conn.RemoteAddr().String(),
				"want_ip", peer.IP.String(),
				"security", true,
			)
			_ = conn.CloseWithError(quicCodeAuthFailure, "unexpected source")
			continue
		}

		return conn, nil
	}
}

// secureStream handles the relay strategy:
// TLS directly over the tunnel, role assigned by the hub.
func (e *Engine) secureStream(
	ctx context.Context, rt *ldrive.RawTransport, expected lid.ID,
) (*Channel, error) {
	var tlsConn *tls.Conn
	if rt.Initiator {
		tlsConn = tls.Client(rt.Stream, e.ClientTLS())
	} else {
		tlsConn = tls.Server(rt.Stream, e.ServerTLS())
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, e.classify(ctx, fmt.Errorf("TLS handshake over relay failed: %w", err))
	}

	leaf, err := e.verifyState(tlsConn.ConnectionState(), expected)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	rt.AddCleanup(tlsConn.Close)
	return newChannel(e.Log, channelConfig{
		peer:      lid.FromCert(leaf),
		leaf:      leaf,
		strategy:  rt.Strategy,
		initiator: rt.Initiator,
		rw:        tlsConn,
		closeFn:   rt.Close,
	}), nil
}

// SecureInbound authenticates an inbound QUIC connection
// accepted by the node's listener.
// There is no expected peer a priori;
// the identity is derived from the presented certificate
// and still subject to the certificate cache and policy floor.
func (e *Engine) SecureInbound(ctx context.Context, conn quic.Connection) (*Channel, error) {
	hsCtx, cancel := context.WithTimeoutCause(ctx, e.timeout(), ErrHandshakeTimeout)
	defer cancel()

	leaf, err := e.verifyState(conn.ConnectionState().TLS, lid.Zero)
	if err != nil {
		_ = conn.CloseWithError(quicCodeAuthFailure, "authentication failed")
		return nil, err
	}

	rt := &ldrive.RawTransport{
		Strategy:  ldrive.StrategyDirect,
		Initiator: false,
		QUIC:      conn,
	}
	rt.AddCleanup(func() error {
		return conn.CloseWithError(0, "channel closed")
	})

	return e.channelFromQUIC(hsCtx, rt, conn, leaf)
}

const quicCodeAuthFailure quic.ApplicationErrorCode = 0x1

// channelFromQUIC finishes channel setup over an authenticated
// QUIC connection: the TLS client opens the channel stream,
// the server accepts it.
func (e *Engine) channelFromQUIC(
	ctx context.Context, rt *ldrive.RawTransport, conn quic.Connection, leaf *x509.Certificate,
) (*Channel, error) {
	var stream quic.Stream
	var err error

	if rt.Initiator {
		stream, err = conn.OpenStreamSync(ctx)
		if err == nil {
			// The stream only becomes visible to the peer once data
			// flows; the header byte also routes it on the remote.
			_, err = stream.Write([]byte{channelStreamHeader})
		}
	} else {
		stream, err = conn.AcceptStream(ctx)
		if err == nil {
			var hdr [1]byte
			if _, rerr := stream.Read(hdr[:]); rerr != nil {
				err = rerr
			} else if hdr[0] != channelStreamHeader {
				err = fmt.Errorf("unexpected channel stream header 0x%02x", hdr[0])
			}
		}
	}
	if err != nil {
		return nil, e.classify(ctx, fmt.Errorf("failed to establish channel stream: %w", err))
	}

	return newChannel(e.Log, channelConfig{
		peer:      lid.FromCert(leaf),
		leaf:      leaf,
		strategy:  rt.Strategy,
		initiator: rt.Initiator,
		rw:        stream,
		closeFn:   rt.Close,
	}), nil
}

// verifyState is the authentication core shared by every handshake path.
func (e *Engine) verifyState(
	state tls.ConnectionState, expected lid.ID,
) (*x509.Certificate, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("peer presented no certificate")
	}
	leaf := state.PeerCertificates[0]

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, fmt.Errorf(
			"peer certificate outside validity window [%s, %s]",
			leaf.NotBefore, leaf.NotAfter,
		)
	}

	if state.Version < e.minVersion() {
		e.Log.Warn(
			"Rejecting peer offering TLS version below floor",
			"version", state.Version,
			"floor", e.minVersion(),
			"security", true,
		)
		return nil, ErrDowngradeRejected
	}

	got := lid.FromCert(leaf)
	if !expected.IsZero() && got != expected {
		e.Log.Warn(
			"Peer certificate bound to a different identity than requested",
			"expected", expected.Short(),
			"got", got.Short(),
			"security", true,
		)
		return nil, ErrIdentityMismatch
	}

	if e.Certs.Observe(got, leaf) == lcert.DecisionRejectMismatch {
		// The cached key takes precedence over a newly presented one,
		// even though the new certificate verified.
		return nil, ErrIdentityMismatch
	}

	return leaf, nil
}

// classify maps a transport-level handshake error to the taxonomy:
// a deadline that fired inside the handshake window is a handshake
// timeout, everything else passes through.
func (e *Engine) classify(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrHandshakeTimeout) {
		return ErrHandshakeTimeout
	}
	return err
}
