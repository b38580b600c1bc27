package lhub_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lident/lidenttest"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// wireEnvelope mirrors the signaling wire format for the test server.
type wireEnvelope struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`

	Peer       string            `json:"peer,omitempty"`
	Error      string            `json:"error,omitempty"`
	Candidates []json.RawMessage `json:"candidates,omitempty"`

	ObservedAddr string    `json:"observed_addr,omitempty"`
	Session      uuid.UUID `json:"session,omitempty"`
	PeerAddr     string    `json:"peer_addr,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Initiator    bool      `json:"initiator,omitempty"`

	TunnelURL   string `json:"tunnel_url,omitempty"`
	TunnelToken string `json:"tunnel_token,omitempty"`
}

var testUpgrader = websocket.Upgrader{}

// hubServer is a minimal in-process signaling endpoint.
// respond maps a request envelope to the response to send back;
// returning false sends nothing (for timeout tests).
type hubServer struct {
	t       *testing.T
	respond func(req wireEnvelope) (wireEnvelope, bool)

	authSeen chan string
}

func newHubServer(t *testing.T, respond func(wireEnvelope) (wireEnvelope, bool)) (*hubServer, *httptest.Server) {
	t.Helper()

	hs := &hubServer{
		t:        t,
		respond:  respond,
		authSeen: make(chan string, 8),
	}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	return hs, srv
}

func (h *hubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.authSeen <- r.Header.Get("Authorization")

	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	for {
		var req wireEnvelope
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		resp, ok := h.respond(req)
		if !ok {
			continue
		}
		resp.ID = req.ID
		if err := ws.WriteJSON(resp); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestHub(t *testing.T, srv *httptest.Server, token string) *lhub.Client {
	t.Helper()

	c, err := lhub.DialHub(context.Background(), slogt.New(t), lhub.ClientConfig{
		URL:            wsURL(srv),
		AuthToken:      token,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rawCandidate(t *testing.T, kind, addr, origin string) json.RawMessage {
	t.Helper()

	b, err := json.Marshal(map[string]string{
		"kind": kind, "addr": addr, "origin": origin,
	})
	require.NoError(t, err)
	return b
}

func TestClient_FetchCandidates(t *testing.T) {
	t.Parallel()

	peer := lidenttest.NewIdentity(t).ID

	hs, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		require.Equal(t, "fetch_candidates", req.Type)
		require.Equal(t, peer.String(), req.Peer)
		return wireEnvelope{
			Type: "candidates",
			Candidates: []json.RawMessage{
				rawCandidate(t, "direct", "203.0.113.9:7100", "hub_advertised"),
				rawCandidate(t, "punch", "203.0.113.9:7101", "observed"),
				// Malformed entries are skipped, not fatal.
				rawCandidate(t, "carrier-pigeon", "203.0.113.9:7102", "hub_advertised"),
				rawCandidate(t, "relay", "", "hub_advertised"),
			},
		}, true
	})

	c := dialTestHub(t, srv, "sekrit")

	cands, err := c.FetchCandidates(context.Background(), peer)
	require.NoError(t, err)

	require.Len(t, cands, 3)
	require.Equal(t, lhub.KindDirect, cands[0].Kind)
	require.Equal(t, "203.0.113.9:7100", cands[0].Addr)
	require.Equal(t, lhub.KindPunch, cands[1].Kind)
	require.Equal(t, lhub.OriginObserved, cands[1].Origin)
	require.Equal(t, lhub.KindRelay, cands[2].Kind)

	require.Equal(t, "Bearer sekrit", <-hs.authSeen)
}

func TestClient_CoordinatePunch(t *testing.T) {
	t.Parallel()

	peer := lidenttest.NewIdentity(t).ID
	session := uuid.New()
	deadline := time.Now().Add(2 * time.Second).UTC().Truncate(time.Millisecond)

	_, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		require.Equal(t, "punch_request", req.Type)
		require.Equal(t, "198.51.100.4:40000", req.ObservedAddr)
		return wireEnvelope{
			Type:      "punch_grant",
			Session:   session,
			PeerAddr:  "198.51.100.7:41000",
			Deadline:  deadline,
			Initiator: true,
		}, true
	})

	c := dialTestHub(t, srv, "")

	grant, err := c.CoordinatePunch(context.Background(), peer, "198.51.100.4:40000")
	require.NoError(t, err)
	require.Equal(t, session, grant.Session)
	require.Equal(t, "198.51.100.7:41000", grant.PeerAddr.String())
	require.True(t, grant.Deadline.Equal(deadline))
	require.True(t, grant.Initiator)
}

func TestClient_HubError(t *testing.T) {
	t.Parallel()

	_, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		return wireEnvelope{Type: "error", Error: "unknown session"}, true
	})

	c := dialTestHub(t, srv, "")

	err := c.ReleasePunch(context.Background(), uuid.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown session")
}

func TestClient_RequestTimeout(t *testing.T) {
	t.Parallel()

	_, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		return wireEnvelope{}, false // Never respond.
	})

	c, err := lhub.DialHub(context.Background(), slogt.New(t), lhub.ClientConfig{
		URL:            wsURL(srv),
		RequestTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.FetchCandidates(context.Background(), lid.ID{1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestClient_SignalingConnectionLost(t *testing.T) {
	t.Parallel()

	stop := make(chan struct{})
	_, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		close(stop)
		return wireEnvelope{}, false
	})

	c := dialTestHub(t, srv, "")

	// Kill the server once the request is in flight.
	go func() {
		<-stop
		srv.CloseClientConnections()
	}()

	_, err := c.FetchCandidates(context.Background(), lid.ID{1})
	require.Error(t, err)
}

func TestClient_OpenRelayTunnel(t *testing.T) {
	t.Parallel()

	peer := lidenttest.NewIdentity(t).ID

	// Tunnel endpoint: upgrade and echo binary messages.
	tunnelAuth := make(chan string, 1)
	tunnelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tunnelAuth <- r.Header.Get("Authorization")

		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(tunnelSrv.Close)

	_, srv := newHubServer(t, func(req wireEnvelope) (wireEnvelope, bool) {
		require.Equal(t, "relay_open", req.Type)
		return wireEnvelope{
			Type:        "relay_grant",
			TunnelURL:   wsURL(tunnelSrv),
			TunnelToken: "tunnel-token",
			Initiator:   true,
		}, true
	})

	c := dialTestHub(t, srv, "")

	tunnel, err := c.OpenRelayTunnel(context.Background(), peer)
	require.NoError(t, err)
	defer tunnel.Conn.Close()

	require.True(t, tunnel.Initiator)
	require.Equal(t, "Bearer tunnel-token", <-tunnelAuth)

	// The tunnel behaves as a byte stream across message boundaries.
	_, err = tunnel.Conn.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = tunnel.Conn.Write([]byte("tunnel"))
	require.NoError(t, err)

	buf := make([]byte, len("hello tunnel"))
	_, err = io.ReadFull(tunnel.Conn, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello tunnel"), buf)
}
