package ldrive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
)

// RelayDriver opens a byte-forwarding tunnel through the Hub.
// It is viable whenever a relay candidate exists,
// making it the fallback of last resort:
// highest latency, but it works behind any NAT the Hub can reach.
type RelayDriver struct {
	Log *slog.Logger

	Hub lhub.Hub
}

var _ Driver = (*RelayDriver)(nil)

func (d *RelayDriver) Strategy() Strategy { return StrategyRelay }

func (d *RelayDriver) Viable(cands []lhub.Candidate) bool {
	return len(filterByKind(cands, lhub.KindRelay)) > 0
}

func (d *RelayDriver) Open(
	ctx context.Context, peer lid.ID, _ []lhub.Candidate,
) (*RawTransport, error) {
	tunnel, err := d.Hub.OpenRelayTunnel(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay tunnel: %w", err)
	}

	d.Log.Debug(
		"Relay tunnel open",
		"peer", peer.Short(),
		"initiator", tunnel.Initiator,
	)

	rt := &RawTransport{
		Strategy:  StrategyRelay,
		Initiator: tunnel.Initiator,
		Stream:    tunnel.Conn,
	}
	rt.AddCleanup(tunnel.Conn.Close)
	return rt, nil
}
