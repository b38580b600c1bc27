package lynx

import "errors"

var (
	// ErrInvalidPeer is returned from [*Node.Connect]
	// for the zero identity or the node's own identity.
	ErrInvalidPeer = errors.New("invalid peer identity")

	// ErrNoViableCandidates means the hub returned no endpoints
	// that any configured strategy could use.
	// No network I/O toward the peer was performed.
	ErrNoViableCandidates = errors.New("no viable candidates for peer")

	// ErrAllStrategiesExhausted means every viable strategy
	// was attempted and none produced a secured channel.
	ErrAllStrategiesExhausted = errors.New("all strategies exhausted")

	// ErrHandshakeRejected means a transport came up
	// but the peer failed authentication or policy.
	// This is terminal for the whole connect attempt:
	// trying another path to an impostor would not help.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrNodeClosed is returned from operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
)
