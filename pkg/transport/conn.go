package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotOpen is returned by Send when the underlying channel is not open.
var ErrNotOpen = errors.New("transport is not open")

// Conn is a bidirectional message channel to the media server, either a
// direct WebSocket or a WebRTC data channel. Both implementations behave
// identically from the caller's point of view.
type Conn interface {
	// Messages is the inbound message stream. It is closed when the
	// transport closes, for any reason; it is never restarted.
	Messages() <-chan []byte
	// Send writes one message. Fails with ErrNotOpen if the channel is
	// not open.
	Send(ctx context.Context, data []byte) error
	// Close releases transport resources. Safe to call more than once.
	Close() error
}
