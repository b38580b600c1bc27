package lynx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lynx-engine/lynx/lcert"
	"github.com/lynx-engine/lynx/ldrive"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lident"
	"github.com/lynx-engine/lynx/lmetrics"
	"github.com/lynx-engine/lynx/lsecure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
)

// Node is one endpoint in the peer network.
// It owns the strategy drivers, the handshake engine,
// and the connection table of live channels.
//
// A Node's lifetime is bound to the context passed to [NewNode];
// cancelling it closes the listener, every channel,
// and every in-flight connect attempt.
type Node struct {
	log *slog.Logger

	self lid.ID

	hub    lhub.Hub
	engine *lsecure.Engine

	// Strategy plan, in preference order.
	drivers []ldrive.Driver

	stagger         time.Duration
	strategyTimeout time.Duration
	connectTimeout  time.Duration

	clk clock.Clock

	metrics *lmetrics.Metrics

	table *table

	quicTransport *quic.Transport
	quicListener  *quic.Listener

	// In-flight outbound attempts, so concurrent Connect calls
	// to the same peer share one attempt.
	attemptsMu sync.Mutex
	attempts   map[lid.ID]*attempt

	ctx    context.Context
	cancel context.CancelCauseFunc

	wg sync.WaitGroup
}

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	Identity *lident.Identity

	Hub lhub.Hub

	// Verified peer certificate cache.
	// If nil, an LRU cache of CertCacheSize entries is created.
	Certs *lcert.Cache

	// Capacity of the created certificate cache when Certs is nil.
	// If zero, a reasonable default is used.
	CertCacheSize int

	// Strategy drivers in preference order.
	// If nil, the standard set is built from Hub and STUNServers:
	// direct, punch, relay.
	Drivers []ldrive.Driver

	// STUN servers for the punch driver's address discovery.
	// The first is the primary; with more than one configured,
	// the punch driver compares the mappings to detect a symmetric NAT
	// and skips doomed punches. Only consulted when Drivers is nil.
	STUNServers []string

	// How long a running strategy gets exclusive use of the race
	// before the next one is started alongside it.
	// A stagger of at least StrategyTimeout degenerates to strictly
	// sequential attempts. If zero, a reasonable default is used.
	Stagger time.Duration

	// Bound on a single strategy's transport attempt.
	// If zero, a reasonable default is used.
	StrategyTimeout time.Duration

	// Bound on a whole connect attempt, across all strategies.
	// If zero, a reasonable default is used.
	ConnectTimeout time.Duration

	// Bound on a single handshake.
	// If zero, a reasonable default is used.
	HandshakeTimeout time.Duration

	// Minimum acceptable TLS version. Zero means TLS 1.3.
	MinTLSVersion uint16

	// If non-nil, the node accepts inbound connections on this socket.
	// The caller retains ownership of the socket.
	UDPConn *net.UDPConn

	QUIC *quic.Config

	// Clock for stagger and timeout scheduling.
	// If nil, the wall clock is used.
	Clock clock.Clock

	// If nil, metrics are collected but not registered anywhere.
	Metrics prometheus.Registerer
}

// validate panics if there are any illegal settings in the configuration.
func (c NodeConfig) validate() {
	// Gather every configuration problem before panicking,
	// instead of surfacing them one at a time.
	var panicErrs error

	if c.Identity == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Identity may not be nil"),
		)
	}

	if c.Hub == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Hub may not be nil"),
		)
	}

	if c.Stagger < 0 || c.StrategyTimeout < 0 || c.ConnectTimeout < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig timeouts must not be negative"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Defaults applied by NewNode for zero config fields.
const (
	defaultCertCacheSize    = 128
	defaultStagger          = 2 * time.Second
	defaultStrategyTimeout  = 10 * time.Second
	defaultConnectTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
)

// NewNode initializes a Node.
// The node runs until ctx is cancelled.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	cfg.validate()

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	certs := cfg.Certs
	if certs == nil {
		size := cfg.CertCacheSize
		if size <= 0 {
			size = defaultCertCacheSize
		}
		var err error
		certs, err = lcert.NewCache(log.With("sys", "certs"), size)
		if err != nil {
			return nil, fmt.Errorf("failed to build certificate cache: %w", err)
		}
	}

	engine := &lsecure.Engine{
		Log:              log.With("sys", "handshake"),
		Identity:         cfg.Identity,
		Certs:            certs,
		HandshakeTimeout: cfg.HandshakeTimeout,
		QUIC:             cfg.QUIC,
		MinVersion:       cfg.MinTLSVersion,
	}
	if engine.HandshakeTimeout <= 0 {
		engine.HandshakeTimeout = defaultHandshakeTimeout
	}

	drivers := cfg.Drivers
	if drivers == nil {
		drivers = []ldrive.Driver{
			&ldrive.DirectDriver{
				Log:  log.With("sys", "drive-direct"),
				TLS:  engine.ClientTLS(),
				QUIC: cfg.QUIC,
			},
			&ldrive.PunchDriver{
				Log:         log.With("sys", "drive-punch"),
				Hub:         cfg.Hub,
				STUNServers: cfg.STUNServers,
			},
			&ldrive.RelayDriver{
				Log: log.With("sys", "drive-relay"),
				Hub: cfg.Hub,
			},
		}
	}

	nCtx, cancel := context.WithCancelCause(ctx)

	n := &Node{
		log: log,

		self: cfg.Identity.ID,

		hub:    cfg.Hub,
		engine: engine,

		drivers: drivers,

		stagger:         orDefault(cfg.Stagger, defaultStagger),
		strategyTimeout: orDefault(cfg.StrategyTimeout, defaultStrategyTimeout),
		connectTimeout:  orDefault(cfg.ConnectTimeout, defaultConnectTimeout),

		clk: clk,

		metrics: lmetrics.New(cfg.Metrics),

		table: newTable(),

		attempts: make(map[lid.ID]*attempt),

		ctx:    nCtx,
		cancel: cancel,
	}

	if cfg.UDPConn != nil {
		n.quicTransport = &quic.Transport{Conn: cfg.UDPConn}
		ln, err := n.quicTransport.Listen(engine.ServerTLS(), cfg.QUIC)
		if err != nil {
			cancel(err)
			return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
		}
		n.quicListener = ln

		n.wg.Add(1)
		go n.acceptInbound()
	}

	n.wg.Add(1)
	go n.shutdownOnContextDone()

	return n, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ID returns the node's own identity.
func (n *Node) ID() lid.ID { return n.self }

// ListenAddr returns the inbound listener's address,
// or nil if the node is outbound-only.
func (n *Node) ListenAddr() net.Addr {
	if n.quicListener == nil {
		return nil
	}
	return n.quicListener.Addr()
}

// Wait blocks until the node's background work has finished,
// which can only happen after the node's context is cancelled.
func (n *Node) Wait() {
	n.wg.Wait()
}

func (n *Node) shutdownOnContextDone() {
	defer n.wg.Done()

	<-n.ctx.Done()

	if n.quicListener != nil {
		_ = n.quicListener.Close()
		_ = n.quicTransport.Close()
	}

	for _, ch := range n.table.drain() {
		_ = ch.Close()
		n.metrics.ActiveChannels.Dec()
	}
}

// AttemptState is the phase of an in-flight connect attempt,
// as reported by [Node.ListPeers].
type AttemptState int

const (
	StateCollectingCandidates AttemptState = iota
	StateRacing
	StateHandshaking
	StateSecured
)

func (s AttemptState) String() string {
	switch s {
	case StateCollectingCandidates:
		return "collecting_candidates"
	case StateRacing:
		return "racing"
	case StateHandshaking:
		return "handshaking"
	case StateSecured:
		return "secured"
	default:
		return fmt.Sprintf("AttemptState(%d)", int(s))
	}
}

// attempt is one in-flight outbound connect,
// shared by every concurrent Connect call for the same peer.
type attempt struct {
	peer lid.ID

	// Candidate hints supplied by the caller that created the attempt.
	hints []lhub.Candidate

	ctx    context.Context
	cancel context.CancelCauseFunc

	// Number of Connect calls currently waiting on this attempt,
	// guarded by the node's attemptsMu.
	// The attempt is abandoned when it drops to zero.
	refs int

	began time.Time

	stateMu sync.Mutex
	state   AttemptState

	done chan struct{}
	ch   *lsecure.Channel
	err  error
}

func (a *attempt) setState(s AttemptState) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

func (a *attempt) currentState() AttemptState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

var errAttemptAbandoned = errors.New("connect attempt abandoned by all callers")

// Connect returns a secured channel to the peer,
// reusing a live channel or joining an in-flight attempt when possible.
//
// Candidate hints, typically endpoints freshly learned from the hub,
// are tried ahead of the fetched candidate set.
// Hints only shape an attempt this call creates;
// joining an in-flight attempt leaves its candidates alone.
//
// Cancelling ctx abandons this caller's interest;
// the shared attempt itself is cancelled only when no caller remains.
func (n *Node) Connect(
	ctx context.Context, peer lid.ID, hints ...lhub.Candidate,
) (*lsecure.Channel, error) {
	if peer.IsZero() || peer == n.self {
		return nil, ErrInvalidPeer
	}
	if n.ctx.Err() != nil {
		return nil, ErrNodeClosed
	}

	if ch, ok := n.table.get(peer); ok {
		return ch, nil
	}

	att, created := n.joinAttempt(peer, hints)
	if created {
		n.wg.Add(1)
		go n.runAttempt(att)
	}

	select {
	case <-att.done:
		return att.ch, att.err
	case <-ctx.Done():
		n.leaveAttempt(att)
		return nil, context.Cause(ctx)
	case <-n.ctx.Done():
		return nil, ErrNodeClosed
	}
}

func (n *Node) joinAttempt(peer lid.ID, hints []lhub.Candidate) (*attempt, bool) {
	n.attemptsMu.Lock()
	defer n.attemptsMu.Unlock()

	if att, ok := n.attempts[peer]; ok {
		att.refs++
		return att, false
	}

	aCtx, cancel := context.WithCancelCause(n.ctx)
	att := &attempt{
		peer:   peer,
		hints:  hints,
		ctx:    aCtx,
		cancel: cancel,
		refs:   1,
		began:  time.Now(),
		done:   make(chan struct{}),
	}
	n.attempts[peer] = att
	return att, true
}

func (n *Node) leaveAttempt(att *attempt) {
	n.attemptsMu.Lock()
	defer n.attemptsMu.Unlock()

	att.refs--
	if att.refs == 0 {
		att.cancel(errAttemptAbandoned)
	}
}

func (n *Node) runAttempt(att *attempt) {
	defer n.wg.Done()

	// The whole attempt is bounded,
	// no matter how many strategies it works through.
	ctx, cancel := context.WithCancelCause(att.ctx)
	tm := n.clk.Timer(n.connectTimeout)
	go func() {
		select {
		case <-tm.C:
			cancel(fmt.Errorf("%w: connect timed out after %s", ErrAllStrategiesExhausted, n.connectTimeout))
		case <-ctx.Done():
			tm.Stop()
		}
	}()

	start := n.clk.Now()
	ch, err := n.establish(ctx, att)
	cancel(nil)

	took := n.clk.Since(start)

	strategy := ""
	if ch != nil {
		ch = n.install(ch)
		strategy = string(ch.TransportStrategy())
	}

	n.attemptsMu.Lock()
	if n.attempts[att.peer] == att {
		delete(n.attempts, att.peer)
	}
	att.ch, att.err = ch, err
	close(att.done)
	n.attemptsMu.Unlock()

	n.metrics.ObserveAttempt(strategy, outcomeOf(err), took)

	if err != nil {
		n.log.Debug(
			"Connect attempt failed",
			"peer", att.peer.Short(),
			"err", err,
		)
	} else {
		n.log.Info(
			"Peer connected",
			"peer", att.peer.Short(),
			"strategy", strategy,
			"took", took,
		)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return lmetrics.OutcomeSecured
	case errors.Is(err, context.Canceled), errors.Is(err, errAttemptAbandoned):
		return lmetrics.OutcomeCancelled
	default:
		return lmetrics.OutcomeFailed
	}
}

// install puts the channel in the connection table.
// A duplicate pair is resolved by the table's tie-break,
// so a simultaneous connect converges on the same connection
// at both endpoints instead of each side closing the other's.
func (n *Node) install(ch *lsecure.Channel) *lsecure.Channel {
	kept, evicted := n.table.insert(n.self, ch)

	if evicted != nil {
		n.log.Debug(
			"Duplicate channel for peer; keeping the one opened by the lower ID",
			"peer", ch.PeerID().Short(),
			"kept_strategy", kept.TransportStrategy(),
		)
		_ = evicted.Close()
		if evicted != ch {
			// A previously installed channel was displaced;
			// its watcher sees a stale entry and will not decrement.
			n.metrics.ActiveChannels.Dec()
		}
	}

	if kept != ch {
		return kept
	}

	n.metrics.ActiveChannels.Inc()

	n.wg.Add(1)
	go n.watchChannel(ch)
	return ch
}

// watchChannel evicts the channel from the table once it dies.
func (n *Node) watchChannel(ch *lsecure.Channel) {
	defer n.wg.Done()

	select {
	case <-ch.Done():
		if n.table.remove(ch.PeerID(), ch) {
			n.metrics.ActiveChannels.Dec()
			n.log.Debug("Channel gone", "peer", ch.PeerID().Short())
		}
	case <-n.ctx.Done():
		// Shutdown drains the table.
	}
}

// PeerChannel returns the live channel to the peer, if any.
func (n *Node) PeerChannel(peer lid.ID) (*lsecure.Channel, bool) {
	return n.table.get(peer)
}

// Peers lists the peers with a live channel.
func (n *Node) Peers() []lid.ID {
	return n.table.peers()
}

// PeerStatus is one entry of a [Node.ListPeers] snapshot.
type PeerStatus struct {
	Peer lid.ID

	State AttemptState

	// Strategy that produced the live channel.
	// Empty while the peer is still being connected.
	Strategy ldrive.Strategy

	// Time since the channel was secured,
	// or since the connect attempt began.
	Age time.Duration
}

// ListPeers snapshots every peer the node is tracking:
// live channels as [StateSecured], and in-flight connect attempts
// in whatever phase they are currently in.
func (n *Node) ListPeers() []PeerStatus {
	now := time.Now()

	channels := n.table.snapshot()
	out := make([]PeerStatus, 0, len(channels))
	seen := make(map[lid.ID]bool, len(channels))
	for _, ch := range channels {
		seen[ch.PeerID()] = true
		out = append(out, PeerStatus{
			Peer:     ch.PeerID(),
			State:    StateSecured,
			Strategy: ch.TransportStrategy(),
			Age:      now.Sub(ch.CreatedAt()),
		})
	}

	n.attemptsMu.Lock()
	defer n.attemptsMu.Unlock()
	for peer, att := range n.attempts {
		if seen[peer] {
			continue
		}
		out = append(out, PeerStatus{
			Peer:  peer,
			State: att.currentState(),
			Age:   now.Sub(att.began),
		})
	}
	return out
}

// Disconnect closes the channel to the peer, if one exists.
// It is a no-op for unknown peers.
func (n *Node) Disconnect(peer lid.ID) error {
	ch, ok := n.table.get(peer)
	if !ok {
		return nil
	}
	return ch.Close()
}

func (n *Node) acceptInbound() {
	defer n.wg.Done()

	for {
		conn, err := n.quicListener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.log.Warn("Inbound listener failed", "err", err)
			}
			return
		}

		n.wg.Add(1)
		go n.handleInbound(conn)
	}
}

func (n *Node) handleInbound(conn quic.Connection) {
	defer n.wg.Done()

	ch, err := n.engine.SecureInbound(n.ctx, conn)
	if err != nil {
		if reason, ok := securityReasonOf(err); ok {
			n.metrics.ObserveSecurityRejection(reason)
		}
		n.log.Warn(
			"Rejected inbound connection",
			"remote", conn.RemoteAddr().String(),
			"err", err,
		)
		return
	}

	n.log.Info(
		"Inbound peer connected",
		"peer", ch.PeerID().Short(),
		"remote", conn.RemoteAddr().String(),
	)
	n.install(ch)
}
