package transport

import (
	"context"
	"io"
	"log"

	"github.com/pkg/errors"
	"github.com/tevino/abool"
	"golang.org/x/net/websocket"
)

const wsMessageBuffer = 64

// WebSocketConn is a Conn over a direct WebSocket to the media server.
// Only text frames carry protocol messages; other frames are ignored.
type WebSocketConn struct {
	ws       *websocket.Conn
	messages chan []byte
	done     chan struct{}
	closed   *abool.AtomicBool
}

var _ Conn = (*WebSocketConn)(nil)

// DialWebSocket connects to the given ws:// or wss:// URL and starts the
// receive loop.
func DialWebSocket(url string) (*WebSocketConn, error) {
	ws, err := websocket.Dial(url, "", url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial websocket %s", url)
	}
	c := &WebSocketConn{
		ws:       ws,
		messages: make(chan []byte, wsMessageBuffer),
		done:     make(chan struct{}),
		closed:   abool.New(),
	}
	go c.readLoop()
	return c, nil
}

var errNonTextFrame = errors.New("non-text frame")

// textMessage is a websocket.Codec that only accepts text frames, so the
// read loop can skip pings, pongs and stray binary frames instead of
// delivering them as protocol messages.
var textMessage = websocket.Codec{
	Marshal: func(v interface{}) ([]byte, byte, error) {
		s, ok := v.(string)
		if !ok {
			return nil, websocket.UnknownFrame, websocket.ErrNotSupported
		}
		return []byte(s), websocket.TextFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v interface{}) error {
		if payloadType != websocket.TextFrame {
			return errNonTextFrame
		}
		p, ok := v.(*string)
		if !ok {
			return websocket.ErrNotSupported
		}
		*p = string(data)
		return nil
	},
}

func (c *WebSocketConn) readLoop() {
	defer close(c.messages)
	for {
		var s string
		if err := textMessage.Receive(c.ws, &s); err != nil {
			if err == errNonTextFrame {
				continue
			}
			if err != io.EOF && c.closed.IsNotSet() {
				log.Printf("websocket receive failed: %+v", err)
			}
			return
		}
		// Close must unblock this send even when no consumer is left and
		// the buffer is full.
		select {
		case c.messages <- []byte(s):
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) Messages() <-chan []byte {
	return c.messages
}

func (c *WebSocketConn) Send(ctx context.Context, data []byte) error {
	if c.closed.IsSet() {
		return ErrNotOpen
	}
	if err := textMessage.Send(c.ws, string(data)); err != nil {
		return errors.Wrap(err, "failed to send over websocket")
	}
	return nil
}

func (c *WebSocketConn) Close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	close(c.done)
	return c.ws.Close()
}
