package ldrive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
	"github.com/quic-go/quic-go"
)

// DirectDriver attempts an outbound QUIC connection
// straight to each direct candidate address.
//
// QUIC establishment and TLS are inseparable,
// so the "raw" product is an established connection whose presented
// certificate has not yet been bound to the expected peer;
// that binding stays with the handshake engine.
type DirectDriver struct {
	Log *slog.Logger

	// Client TLS configuration from the handshake engine:
	// presents our identity, defers peer verification.
	TLS *tls.Config

	QUIC *quic.Config

	// Bound on each individual candidate dial.
	// Zero means 3 seconds.
	PerCandidateTimeout time.Duration
}

var _ Driver = (*DirectDriver)(nil)

func (d *DirectDriver) Strategy() Strategy { return StrategyDirect }

func (d *DirectDriver) Viable(cands []lhub.Candidate) bool {
	return len(filterByKind(cands, lhub.KindDirect)) > 0
}

func (d *DirectDriver) Open(
	ctx context.Context, peer lid.ID, cands []lhub.Candidate,
) (*RawTransport, error) {
	direct := filterByKind(cands, lhub.KindDirect)
	if len(direct) == 0 {
		return nil, errors.New("no direct candidates")
	}

	perCandidate := d.PerCandidateTimeout
	if perCandidate <= 0 {
		perCandidate = 3 * time.Second
	}

	var lastErr error
	for _, cand := range direct {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}

		rt, err := d.dialCandidate(ctx, cand.Addr, perCandidate)
		if err != nil {
			d.Log.Debug(
				"Direct candidate failed",
				"peer", peer.Short(),
				"addr", cand.Addr,
				"err", err,
			)
			lastErr = err
			continue
		}
		return rt, nil
	}

	return nil, fmt.Errorf("all direct candidates failed: %w", lastErr)
}

func (d *DirectDriver) dialCandidate(
	ctx context.Context, addr string, timeout time.Duration,
) (*RawTransport, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bad candidate address %q: %w", addr, err)
	}

	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	qt := &quic.Transport{Conn: sock}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := qt.Dial(dialCtx, remote, d.TLS.Clone(), d.QUIC)
	if err != nil {
		_ = qt.Close()
		_ = sock.Close()
		return nil, fmt.Errorf("QUIC dial to %q failed: %w", addr, err)
	}

	rt := &RawTransport{
		Strategy:  StrategyDirect,
		Initiator: true,
		QUIC:      conn,
	}
	rt.AddCleanup(sock.Close)
	rt.AddCleanup(qt.Close)
	rt.AddCleanup(func() error {
		return conn.CloseWithError(0, "transport released")
	})
	return rt, nil
}
