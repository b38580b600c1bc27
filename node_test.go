package lynx_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lynx-engine/lynx"
	"github.com/lynx-engine/lynx/ldrive"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lhub/lhubtest"
	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lident"
	"github.com/lynx-engine/lynx/lident/lidenttest"
	"github.com/lynx-engine/lynx/lsecure"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestNode(
	t *testing.T, ctx context.Context, hub *lhubtest.Hub, id *lident.Identity,
	mut func(*lynx.NodeConfig),
) *lynx.Node {
	t.Helper()

	cfg := lynx.NodeConfig{
		Identity: id,
		Hub:      hub.For(id.ID),
	}
	if mut != nil {
		mut(&cfg)
	}

	n, err := lynx.NewNode(ctx, slogt.New(t), cfg)
	require.NoError(t, err)
	return n
}

// loopbackObserve reports the socket's own loopback address
// as the externally observed one, standing in for STUN in tests.
func loopbackObserve(_ context.Context, pconn net.PacketConn) (string, error) {
	port := pconn.LocalAddr().(*net.UDPAddr).Port
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}

func punchOnlyDrivers(t *testing.T, hub *lhubtest.Hub, self lid.ID) []ldrive.Driver {
	t.Helper()
	return []ldrive.Driver{
		&ldrive.PunchDriver{
			Log:     slogt.New(t),
			Hub:     hub.For(self),
			Observe: loopbackObserve,
		},
	}
}

type connectResult struct {
	Ch  *lsecure.Channel
	Err error
}

func connectAsync(ctx context.Context, n *lynx.Node, peer lid.ID) <-chan connectResult {
	out := make(chan connectResult, 1)
	go func() {
		ch, err := n.Connect(ctx, peer)
		out <- connectResult{Ch: ch, Err: err}
	}()
	return out
}

func peerStatus(n *lynx.Node, peer lid.ID) (lynx.PeerStatus, bool) {
	for _, st := range n.ListPeers() {
		if st.Peer == peer {
			return st, true
		}
	}
	return lynx.PeerStatus{}, false
}

// counterValue reads one counter from the registry,
// matching the labels given (unmentioned labels match anything).
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
					break
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNode_Connect_DirectWithInbound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeA := newTestNode(t, ctx, hub, ids[0], nil)
	defer nodeA.Wait()

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	nodeB := newTestNode(t, ctx, hub, ids[1], func(cfg *lynx.NodeConfig) {
		cfg.UDPConn = sock
	})
	defer nodeB.Wait()

	hub.SetCandidates(ids[1].ID, lhub.Candidate{
		Kind:   lhub.KindDirect,
		Addr:   nodeB.ListenAddr().String(),
		Origin: lhub.OriginHubAdvertised,
	})

	chA, err := nodeA.Connect(ctx, ids[1].ID)
	require.NoError(t, err)
	require.Equal(t, ids[1].ID, chA.PeerID())
	require.Equal(t, ldrive.StrategyDirect, chA.TransportStrategy())

	// The accepting node installs the inbound channel on its side.
	require.Eventually(t, func() bool {
		_, ok := nodeB.PeerChannel(ids[0].ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	chB, ok := nodeB.PeerChannel(ids[0].ID)
	require.True(t, ok)
	require.Equal(t, ids[0].ID, chB.PeerID())

	// Messages flow both ways.
	require.NoError(t, chA.Send([]byte("ping")))
	got, err := chB.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)

	require.NoError(t, chB.Send([]byte("pong")))
	got, err = chA.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), got)

	// A second Connect reuses the live channel without hub traffic.
	fetches := hub.FetchCalls()
	again, err := nodeA.Connect(ctx, ids[1].ID)
	require.NoError(t, err)
	require.Same(t, chA, again)
	require.Equal(t, fetches, hub.FetchCalls())

	// Disconnect evicts the entry on both sides.
	require.NoError(t, nodeA.Disconnect(ids[1].ID))
	require.Eventually(t, func() bool {
		return len(nodeA.Peers()) == 0 && len(nodeB.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_Connect_HintCandidate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeA := newTestNode(t, ctx, hub, ids[0], nil)
	defer nodeA.Wait()

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	nodeB := newTestNode(t, ctx, hub, ids[1], func(cfg *lynx.NodeConfig) {
		cfg.UDPConn = sock
	})
	defer nodeB.Wait()

	// The hub knows nothing about the peer;
	// only the caller-supplied hint can reach it.
	hint := lhub.Candidate{
		Kind:    lhub.KindDirect,
		Addr:    nodeB.ListenAddr().String(),
		Origin:  lhub.OriginObserved,
		FreshAt: time.Now(),
	}

	ch, err := nodeA.Connect(ctx, ids[1].ID, hint)
	require.NoError(t, err)
	require.Equal(t, ids[1].ID, ch.PeerID())
	require.Equal(t, ldrive.StrategyDirect, ch.TransportStrategy())

	// The hub was still consulted; the hint supplemented the fetch.
	require.Equal(t, int64(1), hub.FetchCalls())
}

func TestNode_Connect_SimultaneousDirectConverges(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	sockA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sockA.Close()
	sockB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sockB.Close()

	nodeA := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.UDPConn = sockA
	})
	defer nodeA.Wait()
	nodeB := newTestNode(t, ctx, hub, ids[1], func(cfg *lynx.NodeConfig) {
		cfg.UDPConn = sockB
	})
	defer nodeB.Wait()

	hub.SetCandidates(ids[0].ID, lhub.Candidate{
		Kind: lhub.KindDirect, Addr: nodeA.ListenAddr().String(),
		Origin: lhub.OriginHubAdvertised,
	})
	hub.SetCandidates(ids[1].ID, lhub.Candidate{
		Kind: lhub.KindDirect, Addr: nodeB.ListenAddr().String(),
		Origin: lhub.OriginHubAdvertised,
	})

	resA := connectAsync(ctx, nodeA, ids[1].ID)
	resB := connectAsync(ctx, nodeB, ids[0].ID)
	require.NoError(t, (<-resA).Err)
	require.NoError(t, (<-resB).Err)

	lower := ids[0].ID
	if bytes.Compare(ids[1].ID[:], lower[:]) < 0 {
		lower = ids[1].ID
	}

	// Both tables settle on the same surviving connection:
	// the one opened by the lower node ID.
	// Each side closing its own preference would leave both empty.
	var chA, chB *lsecure.Channel
	require.Eventually(t, func() bool {
		a, okA := nodeA.PeerChannel(ids[1].ID)
		b, okB := nodeB.PeerChannel(ids[0].ID)
		if !okA || !okB {
			return false
		}
		if a.Initiator() != (nodeA.ID() == lower) {
			return false
		}
		if b.Initiator() != (nodeB.ID() == lower) {
			return false
		}
		select {
		case <-a.Done():
			return false
		default:
		}
		select {
		case <-b.Done():
			return false
		default:
		}
		chA, chB = a, b
		return true
	}, 10*time.Second, 20*time.Millisecond)

	// The survivors are the two ends of one live connection.
	require.NoError(t, chA.Send([]byte("converged")))
	got, err := chB.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("converged"), got)
}

func TestNode_ListPeers_SecuredChannel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeA := newTestNode(t, ctx, hub, ids[0], nil)
	defer nodeA.Wait()
	nodeB := newTestNode(t, ctx, hub, ids[1], nil)
	defer nodeB.Wait()

	relayCand := lhub.Candidate{Kind: lhub.KindRelay, Origin: lhub.OriginHubAdvertised}
	hub.SetCandidates(ids[0].ID, relayCand)
	hub.SetCandidates(ids[1].ID, relayCand)

	resA := connectAsync(ctx, nodeA, ids[1].ID)
	resB := connectAsync(ctx, nodeB, ids[0].ID)
	require.NoError(t, (<-resA).Err)
	require.NoError(t, (<-resB).Err)

	statuses := nodeA.ListPeers()
	require.Len(t, statuses, 1)
	require.Equal(t, ids[1].ID, statuses[0].Peer)
	require.Equal(t, lynx.StateSecured, statuses[0].State)
	require.Equal(t, ldrive.StrategyRelay, statuses[0].Strategy)
	require.GreaterOrEqual(t, statuses[0].Age, time.Duration(0))
}

func TestNode_ListPeers_ReportsAttemptPhases(t *testing.T) {
	t.Parallel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()
	// A slow fetch holds the attempt in its first phase long enough
	// for the snapshot to observe it.
	hub.FetchDelay = 500 * time.Millisecond

	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	defer nodeCancel()

	node := newTestNode(t, nodeCtx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = punchOnlyDrivers(t, hub, ids[0].ID)
	})
	defer func() { nodeCancel(); node.Wait() }()

	hub.SetCandidates(ids[1].ID, lhub.Candidate{
		Kind:   lhub.KindPunch,
		Origin: lhub.OriginObserved,
	})

	// The peer never shows up, so the attempt stays in flight.
	ctx, cancel := context.WithCancel(context.Background())
	res := connectAsync(ctx, node, ids[1].ID)

	require.Eventually(t, func() bool {
		st, ok := peerStatus(node, ids[1].ID)
		return ok && st.State == lynx.StateCollectingCandidates
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := peerStatus(node, ids[1].ID)
		return ok && st.State == lynx.StateRacing
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	r := <-res
	require.ErrorIs(t, r.Err, context.Canceled)

	// The abandoned attempt leaves the snapshot.
	require.Eventually(t, func() bool {
		return len(node.ListPeers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_Connect_RelayOnly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeA := newTestNode(t, ctx, hub, ids[0], nil)
	defer nodeA.Wait()
	nodeB := newTestNode(t, ctx, hub, ids[1], nil)
	defer nodeB.Wait()

	relayCand := lhub.Candidate{Kind: lhub.KindRelay, Origin: lhub.OriginHubAdvertised}
	hub.SetCandidates(ids[0].ID, relayCand)
	hub.SetCandidates(ids[1].ID, relayCand)

	resA := connectAsync(ctx, nodeA, ids[1].ID)
	resB := connectAsync(ctx, nodeB, ids[0].ID)

	a := <-resA
	require.NoError(t, a.Err)
	b := <-resB
	require.NoError(t, b.Err)

	require.Equal(t, ldrive.StrategyRelay, a.Ch.TransportStrategy())
	require.Equal(t, ids[1].ID, a.Ch.PeerID())
	require.Equal(t, ids[0].ID, b.Ch.PeerID())

	require.NoError(t, a.Ch.Send([]byte("via relay")))
	got, err := b.Ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("via relay"), got)
}

func TestNode_Connect_PunchOnly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeA := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = punchOnlyDrivers(t, hub, ids[0].ID)
	})
	defer nodeA.Wait()
	nodeB := newTestNode(t, ctx, hub, ids[1], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = punchOnlyDrivers(t, hub, ids[1].ID)
	})
	defer nodeB.Wait()

	punchCand := lhub.Candidate{Kind: lhub.KindPunch, Origin: lhub.OriginObserved}
	hub.SetCandidates(ids[0].ID, punchCand)
	hub.SetCandidates(ids[1].ID, punchCand)

	resA := connectAsync(ctx, nodeA, ids[1].ID)
	resB := connectAsync(ctx, nodeB, ids[0].ID)

	a := <-resA
	require.NoError(t, a.Err)
	b := <-resB
	require.NoError(t, b.Err)

	require.Equal(t, ldrive.StrategyPunch, a.Ch.TransportStrategy())

	require.NoError(t, b.Ch.Send([]byte("punched through")))
	got, err := a.Ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("punched through"), got)
}

func TestNode_Connect_ConcurrentCallsShareOneAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()
	// Slow candidate fetch keeps the first attempt in flight
	// long enough for the second caller to join it.
	hub.FetchDelay = 300 * time.Millisecond

	nodeA := newTestNode(t, ctx, hub, ids[0], nil)
	defer nodeA.Wait()
	nodeB := newTestNode(t, ctx, hub, ids[1], nil)
	defer nodeB.Wait()

	relayCand := lhub.Candidate{Kind: lhub.KindRelay, Origin: lhub.OriginHubAdvertised}
	hub.SetCandidates(ids[0].ID, relayCand)
	hub.SetCandidates(ids[1].ID, relayCand)

	res1 := connectAsync(ctx, nodeA, ids[1].ID)
	res2 := connectAsync(ctx, nodeA, ids[1].ID)
	resB := connectAsync(ctx, nodeB, ids[0].ID)

	r1 := <-res1
	require.NoError(t, r1.Err)
	r2 := <-res2
	require.NoError(t, r2.Err)
	b := <-resB
	require.NoError(t, b.Err)

	// Both callers got the same channel from a single attempt:
	// one fetch for A's attempt, one for B's.
	require.Same(t, r1.Ch, r2.Ch)
	require.Equal(t, int64(2), hub.FetchCalls())
	require.Equal(t, int64(2), hub.RelayOpens())
}

func TestNode_Connect_NoViableCandidates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	node := newTestNode(t, ctx, hub, ids[0], nil)
	defer node.Wait()

	_, err := node.Connect(ctx, ids[1].ID)
	require.ErrorIs(t, err, lynx.ErrNoViableCandidates)

	// Nothing beyond the candidate fetch touched the network.
	require.Equal(t, int64(1), hub.FetchCalls())
	require.Zero(t, hub.PunchCalls())
	require.Zero(t, hub.RelayOpens())
}

func TestNode_Connect_InvalidPeer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 1)
	hub := lhubtest.NewHub()

	node := newTestNode(t, ctx, hub, ids[0], nil)
	defer node.Wait()

	_, err := node.Connect(ctx, lid.Zero)
	require.ErrorIs(t, err, lynx.ErrInvalidPeer)

	_, err = node.Connect(ctx, ids[0].ID)
	require.ErrorIs(t, err, lynx.ErrInvalidPeer)
}

func TestNode_Connect_RejectsWrongIdentity(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := lidenttest.NewIdentities(t, 3)
	hub := lhubtest.NewHub()

	reg := prometheus.NewRegistry()
	nodeA := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Metrics = reg
	})
	defer nodeA.Wait()

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	nodeB := newTestNode(t, ctx, hub, ids[1], func(cfg *lynx.NodeConfig) {
		cfg.UDPConn = sock
	})
	defer nodeB.Wait()

	// The hub claims this address belongs to a third identity,
	// but nodeB answers there.
	hub.SetCandidates(ids[2].ID, lhub.Candidate{
		Kind:   lhub.KindDirect,
		Addr:   nodeB.ListenAddr().String(),
		Origin: lhub.OriginHubAdvertised,
	})

	_, err = nodeA.Connect(ctx, ids[2].ID)
	require.ErrorIs(t, err, lynx.ErrHandshakeRejected)
	require.ErrorIs(t, err, lsecure.ErrIdentityMismatch)

	// The impostor's channel must not be installed under either identity.
	require.Empty(t, nodeA.Peers())

	// The rejection is counted, distinctly from connectivity failures.
	require.Equal(t, 1.0, counterValue(t, reg,
		"lynx_security_rejections_total",
		map[string]string{"reason": "identity_mismatch"},
	))
}

func TestNode_Connect_CancelledCaller(t *testing.T) {
	t.Parallel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	defer nodeCancel()

	node := newTestNode(t, nodeCtx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = punchOnlyDrivers(t, hub, ids[0].ID)
	})
	defer func() { nodeCancel(); node.Wait() }()

	hub.SetCandidates(ids[1].ID, lhub.Candidate{
		Kind:   lhub.KindPunch,
		Origin: lhub.OriginObserved,
	})

	// The peer never shows up; the attempt blocks in coordination.
	ctx, cancel := context.WithCancel(context.Background())
	res := connectAsync(ctx, node, ids[1].ID)

	time.Sleep(100 * time.Millisecond)
	cancel()

	r := <-res
	require.ErrorIs(t, r.Err, context.Canceled)
	require.Nil(t, r.Ch)
	require.Empty(t, node.Peers())
}

func TestNode_ClosedNodeRefusesConnect(t *testing.T) {
	t.Parallel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	node := newTestNode(t, ctx, hub, ids[0], nil)

	cancel()
	node.Wait()

	_, err := node.Connect(context.Background(), ids[1].ID)
	require.ErrorIs(t, err, lynx.ErrNodeClosed)
}

// fakeDriver is a controllable strategy for orchestrator timing tests.
type fakeDriver struct {
	name ldrive.Strategy

	startedOnce sync.Once
	started     chan struct{}

	// Open returns the error received here, or ctx's cause.
	result chan error
}

func newFakeDriver(name ldrive.Strategy) *fakeDriver {
	return &fakeDriver{
		name:    name,
		started: make(chan struct{}),
		result:  make(chan error, 1),
	}
}

func (d *fakeDriver) Strategy() ldrive.Strategy    { return d.name }
func (d *fakeDriver) Viable([]lhub.Candidate) bool { return true }

func (d *fakeDriver) Open(
	ctx context.Context, _ lid.ID, _ []lhub.Candidate,
) (*ldrive.RawTransport, error) {
	d.startedOnce.Do(func() { close(d.started) })
	select {
	case err := <-d.result:
		return nil, err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func isStarted(d *fakeDriver) bool {
	select {
	case <-d.started:
		return true
	default:
		return false
	}
}

func waitStarted(t *testing.T, d *fakeDriver) {
	t.Helper()
	select {
	case <-d.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("driver %s never started", d.name)
	}
}

func TestNode_Race_StaggerDelaysSecondStrategy(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()
	mock := clock.NewMock()

	first := newFakeDriver("alpha")
	second := newFakeDriver("beta")

	node := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = []ldrive.Driver{first, second}
		cfg.Clock = mock
		cfg.Stagger = 2 * time.Second
		cfg.StrategyTimeout = 10 * time.Second
		cfg.ConnectTimeout = 30 * time.Second
	})
	defer func() { cancel(); node.Wait() }()

	res := connectAsync(ctx, node, ids[1].ID)

	waitStarted(t, first)

	// Let the race loop arm its stagger timer before advancing.
	time.Sleep(50 * time.Millisecond)
	require.False(t, isStarted(second),
		"second strategy must not start before the stagger elapses")

	mock.Add(2 * time.Second)
	waitStarted(t, second)

	// Neither succeeds.
	second.result <- errors.New("beta found nothing")
	first.result <- errors.New("alpha found nothing")

	r := <-res
	require.ErrorIs(t, r.Err, lynx.ErrAllStrategiesExhausted)
}

func TestNode_Race_StrategyTimeoutsExhaustHangingDrivers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()
	mock := clock.NewMock()

	// Neither driver ever produces a transport or an error;
	// only the per-strategy timeout can end them.
	first := newFakeDriver("alpha")
	second := newFakeDriver("beta")

	node := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = []ldrive.Driver{first, second}
		cfg.Clock = mock
		cfg.Stagger = 2 * time.Second
		cfg.StrategyTimeout = 4 * time.Second
		cfg.ConnectTimeout = 10 * time.Second
	})
	defer func() { cancel(); node.Wait() }()

	res := connectAsync(ctx, node, ids[1].ID)

	waitStarted(t, first)
	time.Sleep(50 * time.Millisecond)

	// t=2: the stagger elapses and the second strategy joins the race.
	mock.Add(2 * time.Second)
	waitStarted(t, second)
	time.Sleep(50 * time.Millisecond)

	// t=4: the first strategy's window expires.
	mock.Add(2 * time.Second)
	time.Sleep(50 * time.Millisecond)

	// t=6: the second strategy's window expires; nothing is left.
	mock.Add(2 * time.Second)

	r := <-res
	require.ErrorIs(t, r.Err, lynx.ErrAllStrategiesExhausted)
	require.Empty(t, node.Peers())
}

func TestNode_Race_FailureAdvancesWithoutStagger(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := lidenttest.NewIdentities(t, 2)
	hub := lhubtest.NewHub()
	mock := clock.NewMock()

	first := newFakeDriver("alpha")
	second := newFakeDriver("beta")

	// The first strategy fails as soon as it starts.
	first.result <- errors.New("alpha failed fast")

	node := newTestNode(t, ctx, hub, ids[0], func(cfg *lynx.NodeConfig) {
		cfg.Drivers = []ldrive.Driver{first, second}
		cfg.Clock = mock
		cfg.Stagger = time.Hour
		cfg.StrategyTimeout = 10 * time.Hour
		cfg.ConnectTimeout = 30 * time.Hour
	})
	defer func() { cancel(); node.Wait() }()

	res := connectAsync(ctx, node, ids[1].ID)

	// The clock never advances,
	// yet the second strategy starts because the first failed.
	waitStarted(t, second)

	second.result <- errors.New("beta failed too")

	r := <-res
	require.ErrorIs(t, r.Err, lynx.ErrAllStrategiesExhausted)
}
