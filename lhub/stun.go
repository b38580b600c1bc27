package lhub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// stunAttemptInterval is how long we wait for a binding response
// before retransmitting the request.
// STUN runs over UDP, so a lost packet must be retried by us.
const stunAttemptInterval = 500 * time.Millisecond

const stunMaxAttempts = 4

// ObservedAddr performs a STUN binding request over the given socket
// and returns the externally observed host:port mapping for it.
//
// The request is deliberately sent over pconn itself rather than a
// throwaway socket: NAT mappings are per-socket, so the punch driver
// must learn the mapping of the exact socket it will punch with.
func ObservedAddr(ctx context.Context, pconn net.PacketConn, server string) (string, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("failed to resolve STUN server %q: %w", server, err)
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	buf := make([]byte, 1500)
	var lastErr error
	for attempt := 0; attempt < stunMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", context.Cause(ctx)
		}

		if _, err := pconn.WriteTo(msg.Raw, serverAddr); err != nil {
			return "", fmt.Errorf("failed to send STUN binding request: %w", err)
		}

		deadline := time.Now().Add(stunAttemptInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := pconn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", err)
		}

		for {
			n, _, err := pconn.ReadFrom(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					lastErr = err
					break // Retransmit.
				}
				return "", fmt.Errorf("failed to read STUN response: %w", err)
			}

			res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := res.Decode(); err != nil {
				// Not a STUN message; keep reading until the deadline.
				continue
			}
			if res.TransactionID != msg.TransactionID {
				continue
			}

			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(res); err != nil {
				return "", fmt.Errorf("STUN response missing XOR-MAPPED-ADDRESS: %w", err)
			}

			// Clear the deadline before handing the socket back.
			_ = pconn.SetReadDeadline(time.Time{})
			return mapped.String(), nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no response")
	}
	return "", fmt.Errorf("STUN binding against %q failed after %d attempts: %w",
		server, stunMaxAttempts, lastErr)
}

// ClassifySymmetric reports whether the mappings observed from
// different STUN servers disagree, which indicates a symmetric NAT.
// Hole punching against a symmetric NAT does not work;
// callers should skip straight to the relay strategy.
func ClassifySymmetric(mappings []string) bool {
	if len(mappings) < 2 {
		return false
	}
	first := mappings[0]
	for _, m := range mappings[1:] {
		if m != first {
			return true
		}
	}
	return false
}
