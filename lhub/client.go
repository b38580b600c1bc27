package lhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lynx-engine/lynx/lid"
)

// ClientConfig configures a websocket [Client].
type ClientConfig struct {
	// The hub's signaling endpoint, e.g. "wss://hub.example/v1/signal".
	URL string

	// Bearer token presented when dialing.
	// Obtaining the token is the application's concern.
	AuthToken string

	// Bound on the websocket dial and on individual hub round-trips
	// that the caller has not already bounded via context.
	RequestTimeout time.Duration
}

// envelope is the wire format for hub signaling messages,
// in both directions.
// Fields beyond ID and Type are populated depending on Type.
type envelope struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`

	Peer     string      `json:"peer,omitempty"`
	Error    string      `json:"error,omitempty"`
	Listings []candidate `json:"candidates,omitempty"`

	// Punch coordination fields.
	ObservedAddr string    `json:"observed_addr,omitempty"`
	Session      uuid.UUID `json:"session,omitempty"`
	PeerAddr     string    `json:"peer_addr,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Initiator    bool      `json:"initiator,omitempty"`

	// Relay tunnel fields.
	TunnelURL   string `json:"tunnel_url,omitempty"`
	TunnelToken string `json:"tunnel_token,omitempty"`
}

type candidate struct {
	Kind    string    `json:"kind"`
	Addr    string    `json:"addr"`
	Origin  string    `json:"origin"`
	FreshAt time.Time `json:"fresh_at"`
}

// Client is the production [Hub] implementation:
// a single websocket signaling connection carrying JSON envelopes,
// with relay tunnels opened as separate websocket connections.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan envelope

	// Closed by the read loop when the signaling connection dies.
	down      chan struct{}
	downErr   error
	downOnce  sync.Once
	readerWG  sync.WaitGroup
	closeOnce sync.Once
}

var _ Hub = (*Client)(nil)

// DialHub connects to the hub's signaling endpoint.
func DialHub(ctx context.Context, log *slog.Logger, cfg ClientConfig) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	hdr := http.Header{}
	if cfg.AuthToken != "" {
		hdr.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub %q: %w", cfg.URL, err)
	}

	c := &Client{
		log:     log,
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uuid.UUID]chan envelope),
		down:    make(chan struct{}),
	}

	c.readerWG.Add(1)
	go c.readLoop()

	return c, nil
}

// Close tears down the signaling connection.
// In-flight calls fail with the close error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.readerWG.Wait()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.readerWG.Done()

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.fail(fmt.Errorf("hub signaling connection lost: %w", err))
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()

		if !ok {
			// Unsolicited or late message. Not an error:
			// the caller may have given up on the request already.
			c.log.Debug("Dropping hub message with no pending call",
				"type", env.Type, "id", env.ID)
			continue
		}

		ch <- env
	}
}

func (c *Client) fail(err error) {
	c.downOnce.Do(func() {
		c.downErr = err
		close(c.down)
	})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends one request envelope and waits for the matching response.
func (c *Client) call(ctx context.Context, req envelope) (envelope, error) {
	req.ID = uuid.New()

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return envelope{}, fmt.Errorf("failed to send %s request to hub: %w", req.Type, err)
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		t := time.NewTimer(c.cfg.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return envelope{}, context.Cause(ctx)
	case <-timeout:
		return envelope{}, fmt.Errorf("hub %s request timed out", req.Type)
	case <-c.down:
		return envelope{}, c.downErr
	case resp, ok := <-ch:
		if !ok {
			return envelope{}, c.downErr
		}
		if resp.Type == "error" {
			return envelope{}, fmt.Errorf("hub rejected %s request: %s", req.Type, resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) FetchCandidates(ctx context.Context, peer lid.ID) ([]Candidate, error) {
	resp, err := c.call(ctx, envelope{
		Type: "fetch_candidates",
		Peer: peer.String(),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(resp.Listings))
	for _, l := range resp.Listings {
		cand, err := l.toCandidate()
		if err != nil {
			c.log.Debug("Skipping malformed candidate from hub", "err", err)
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

func (c *Client) CoordinatePunch(
	ctx context.Context, peer lid.ID, localObserved string,
) (PunchGrant, error) {
	resp, err := c.call(ctx, envelope{
		Type:         "punch_request",
		Peer:         peer.String(),
		ObservedAddr: localObserved,
	})
	if err != nil {
		return PunchGrant{}, err
	}

	peerAddr, err := net.ResolveUDPAddr("udp", resp.PeerAddr)
	if err != nil {
		return PunchGrant{}, fmt.Errorf("hub returned malformed peer address %q: %w", resp.PeerAddr, err)
	}

	return PunchGrant{
		Session:   resp.Session,
		PeerAddr:  peerAddr,
		Deadline:  resp.Deadline,
		Initiator: resp.Initiator,
	}, nil
}

func (c *Client) ReleasePunch(ctx context.Context, session uuid.UUID) error {
	_, err := c.call(ctx, envelope{
		Type:    "punch_release",
		Session: session,
	})
	return err
}

func (c *Client) OpenRelayTunnel(ctx context.Context, peer lid.ID) (RelayTunnel, error) {
	resp, err := c.call(ctx, envelope{
		Type: "relay_open",
		Peer: peer.String(),
	})
	if err != nil {
		return RelayTunnel{}, err
	}

	// The grant names a dedicated websocket endpoint for the tunnel;
	// the token authorizes exactly one attach.
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+resp.TunnelToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, resp.TunnelURL, hdr)
	if err != nil {
		return RelayTunnel{}, fmt.Errorf("failed to attach relay tunnel: %w", err)
	}

	return RelayTunnel{
		Conn:      newWSConn(conn),
		Initiator: resp.Initiator,
	}, nil
}

func (l candidate) toCandidate() (Candidate, error) {
	var kind TransportKind
	switch l.Kind {
	case "direct":
		kind = KindDirect
	case "punch":
		kind = KindPunch
	case "relay":
		kind = KindRelay
	default:
		return Candidate{}, fmt.Errorf("unknown candidate kind %q", l.Kind)
	}

	var origin Origin
	switch l.Origin {
	case "hub_advertised", "":
		origin = OriginHubAdvertised
	case "observed":
		origin = OriginObserved
	case "cached":
		origin = OriginCached
	default:
		return Candidate{}, fmt.Errorf("unknown candidate origin %q", l.Origin)
	}

	if kind != KindRelay && l.Addr == "" {
		return Candidate{}, errors.New("candidate missing address")
	}

	return Candidate{
		Kind:    kind,
		Addr:    l.Addr,
		Origin:  origin,
		FreshAt: l.FreshAt,
	}, nil
}
