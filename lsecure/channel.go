package lsecure

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lynx-engine/lynx/ldrive"
	"github.com/lynx-engine/lynx/lid"
)

// channelStreamHeader is the first byte the channel opener writes,
// distinguishing the message channel from any future stream types
// multiplexed on the same connection.
const channelStreamHeader byte = 0x10

// maxFrameLen bounds a single message.
// A peer announcing a larger frame is treated as a protocol violation
// and the channel dies.
const maxFrameLen = 1 << 20

// ErrChannelClosed is returned by Send and Receive
// after the channel has been closed or has failed.
var ErrChannelClosed = errors.New("channel closed")

type channelConfig struct {
	peer      lid.ID
	leaf      *x509.Certificate
	strategy  ldrive.Strategy
	initiator bool

	// Framed message stream: a QUIC stream or a TLS connection.
	rw io.ReadWriteCloser

	// Releases the underlying transport chain.
	closeFn func() error
}

// Channel is an authenticated, encrypted, bidirectional message pipe
// to a verified peer.
//
// Messages are length-prefixed byte slices;
// ordering and reliability come from the underlying transport.
// Send and Receive are each safe for one concurrent caller;
// multiple senders must serialize externally.
type Channel struct {
	log *slog.Logger

	peer      lid.ID
	leaf      *x509.Certificate
	strategy  ldrive.Strategy
	initiator bool
	createdAt time.Time

	rw      io.ReadWriteCloser
	closeFn func() error

	writeMu sync.Mutex

	// Frames flow from the receive pump; the pump closes frames
	// and records failErr on transport failure.
	frames  chan []byte
	failErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(log *slog.Logger, cfg channelConfig) *Channel {
	c := &Channel{
		log: log.With(
			"peer", cfg.peer.Short(),
			"strategy", string(cfg.strategy),
		),

		peer:      cfg.peer,
		leaf:      cfg.leaf,
		strategy:  cfg.strategy,
		initiator: cfg.initiator,
		createdAt: time.Now(),

		rw:      cfg.rw,
		closeFn: cfg.closeFn,

		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}

	go c.receivePump()
	return c
}

// PeerID returns the verified identity of the remote peer.
func (c *Channel) PeerID() lid.ID { return c.peer }

// Certificate returns the peer's presented leaf certificate.
func (c *Channel) Certificate() *x509.Certificate { return c.leaf }

// TransportStrategy reports which strategy produced this channel.
func (c *Channel) TransportStrategy() ldrive.Strategy { return c.strategy }

// Initiator reports whether this side opened the channel,
// acting as the TLS client during the handshake.
func (c *Channel) Initiator() bool { return c.initiator }

// CreatedAt reports when the handshake completed.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Done is closed when the channel is no longer usable,
// whether by local Close or transport failure.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send writes one message to the peer.
func (c *Channel) Send(msg []byte) error {
	if len(msg) > maxFrameLen {
		return fmt.Errorf("message of %d bytes exceeds frame limit %d", len(msg), maxFrameLen)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		c.fail(err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	if _, err := c.rw.Write(msg); err != nil {
		c.fail(err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive returns the next message from the peer.
// It returns ErrChannelClosed once the channel dies
// (wrapping the underlying transport error, if any).
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.frames:
		if !ok {
			return nil, c.closedErr()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Close tears down the channel and the transport underneath it.
// It is idempotent and safe to call concurrently with Send and Receive.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = errors.Join(c.rw.Close(), c.closeFn())
		c.log.Debug("Channel closed")
	})
	return err
}

func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.failErr = err
		close(c.done)
		_ = c.rw.Close()
		_ = c.closeFn()
		c.log.Debug("Channel failed", "err", err)
	})
}

func (c *Channel) closedErr() error {
	if c.failErr != nil && !errors.Is(c.failErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.failErr)
	}
	return ErrChannelClosed
}

// receivePump reads frames off the transport for the channel's lifetime.
// A read error of any kind, including remote close, ends the channel.
func (c *Channel) receivePump() {
	defer close(c.frames)

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
			c.fail(err)
			return
		}

		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameLen {
			c.fail(fmt.Errorf("peer announced frame of %d bytes, limit is %d", n, maxFrameLen))
			return
		}

		msg := make([]byte, n)
		if _, err := io.ReadFull(c.rw, msg); err != nil {
			c.fail(err)
			return
		}

		select {
		case c.frames <- msg:
		case <-c.done:
			return
		}
	}
}
