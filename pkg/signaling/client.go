package signaling

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

const messageBuffer = 32

// ErrNotConnected is returned by SendMessage while no signaling socket is
// open.
var ErrNotConnected = errors.New("signaling client is not connected")

// Client maintains a single WebSocket connection to the cloud signaling
// server. Ping keepalives are answered internally; every other message is
// published on Messages. Connect, SendMessage and Disconnect are mutually
// exclusive through one critical section.
type Client struct {
	url string

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc

	messages chan *Message
}

func NewClient(url string) *Client {
	return &Client{
		url:      url,
		messages: make(chan *Message, messageBuffer),
	}
}

// Connect dials the signaling server and starts the receive loop. Calling
// it while already connected logs and returns without opening a second
// socket.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		log.Printf("signaling client is already connected to %s", c.url)
		return nil
	}
	ws, err := websocket.Dial(c.url, "", c.url)
	if err != nil {
		return errors.Wrapf(err, "failed to dial signaling server %s", c.url)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.ws = ws
	c.cancel = cancel
	// The receive loop publishes only to this session's channel, so a
	// loop that outlives its session can never feed the next one.
	go c.recvLoop(ctx, ws, c.messages)
	return nil
}

// SendMessage writes one message to the signaling server.
func (c *Client) SendMessage(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	if err := websocket.JSON.Send(c.ws, msg); err != nil {
		return errors.Wrap(err, "failed to send signaling message")
	}
	return nil
}

// Disconnect cancels the receive loop, closes the socket and resets the
// client so Connect can be called again. Messages buffered by the ended
// session are discarded with it; the next session starts from an empty
// stream. Safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	c.cancel()
	if err := c.ws.Close(); err != nil {
		log.Printf("failed to close signaling socket: %+v", err)
	}
	c.ws = nil
	c.cancel = nil
	c.messages = make(chan *Message, messageBuffer)
}

// Messages is the inbound stream of the current session, excluding
// keepalives. The channel is buffered; when a consumer falls behind, the
// oldest message is dropped (every signaling message is state-carrying,
// so a later message supersedes it). Disconnect replaces the channel, so
// consumers must re-read Messages after reconnecting.
func (c *Client) Messages() <-chan *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages
}

func (c *Client) recvLoop(ctx context.Context, ws *websocket.Conn, messages chan *Message) {
	for {
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if ctx.Err() == nil && err != io.EOF {
				log.Printf("signaling receive failed: %+v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if msg.Type == TypePing {
			// Transport-level keepalive, never forwarded to consumers.
			if err := websocket.JSON.Send(ws, NewPong()); err != nil {
				log.Printf("failed to answer signaling ping: %+v", err)
			}
			continue
		}
		publish(messages, &msg)
	}
}

func publish(messages chan *Message, msg *Message) {
	for {
		select {
		case messages <- msg:
			return
		default:
		}
		select {
		case dropped := <-messages:
			log.Printf("signaling message buffer full, dropped %s", dropped.RawType)
		default:
		}
	}
}
