package transport

import (
	"context"
	"sync"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
)

const dcMessageBuffer = 64

// DataChannelConn is a Conn over an open WebRTC data channel. The native
// text-message stream maps 1:1 onto Messages.
type DataChannelConn struct {
	dc       peer.DataChannel
	inbound  chan []byte
	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

var _ Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps an already-negotiated data channel. It takes
// over the channel's OnMessage/OnClose handlers.
func NewDataChannelConn(dc peer.DataChannel) *DataChannelConn {
	c := &DataChannelConn{
		dc:       dc,
		inbound:  make(chan []byte, dcMessageBuffer),
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}
	dc.OnMessage(func(data []byte) {
		select {
		case c.inbound <- data:
		case <-c.done:
		}
	})
	dc.OnClose(func() {
		c.markClosed()
	})
	go c.pump()
	return c
}

// pump is the sole writer of messages, so the stream is closed exactly
// once even when OnClose and Close race.
func (c *DataChannelConn) pump() {
	defer close(c.messages)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbound:
			select {
			case c.messages <- data:
			case <-c.done:
				return
			}
		}
	}
}

func (c *DataChannelConn) markClosed() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *DataChannelConn) Messages() <-chan []byte {
	return c.messages
}

func (c *DataChannelConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrNotOpen
	default:
	}
	if !c.dc.IsOpen() {
		return ErrNotOpen
	}
	return c.dc.SendText(string(data))
}

func (c *DataChannelConn) Close() error {
	c.markClosed()
	return c.dc.Close()
}
