package signaling

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/websocket"
)

func startTestServer(t *testing.T, handler websocket.Handler) (url string, cleanup func()) {
	srv := httptest.NewServer(handler)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func receiveMessage(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signaling message")
		return nil
	}
}

func TestClientAnswersPingWithoutForwarding(t *testing.T) {
	gotPong := make(chan struct{})
	url, cleanup := startTestServer(t, func(ws *websocket.Conn) {
		if err := websocket.JSON.Send(ws, &PingPong{Type: TypePing}); err != nil {
			return
		}
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		if msg.Type == TypePong {
			close(gotPong)
		}
		// A real message after the keepalive round-trip.
		websocket.JSON.Send(ws, map[string]interface{}{"type": "connected", "sessionId": "s1"})
		var hold Message
		websocket.JSON.Receive(ws, &hold)
	})
	defer cleanup()

	c := NewClient(url)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	msg := receiveMessage(t, c)
	assert.Equal(t, TypeConnected, msg.Type)

	select {
	case <-gotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("ping was not answered with pong")
	}
}

func TestClientToleratesUnknownMessageType(t *testing.T) {
	url, cleanup := startTestServer(t, func(ws *websocket.Conn) {
		websocket.JSON.Send(ws, map[string]interface{}{"type": "shiny-new-thing", "x": 1})
		websocket.JSON.Send(ws, map[string]interface{}{"type": "connected", "sessionId": "s1"})
		var hold Message
		websocket.JSON.Receive(ws, &hold)
	})
	defer cleanup()

	c := NewClient(url)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	msg := receiveMessage(t, c)
	assert.Equal(t, TypeUnknown, msg.Type)
	assert.Equal(t, "shiny-new-thing", msg.RawType)

	msg = receiveMessage(t, c)
	assert.Equal(t, TypeConnected, msg.Type)
	var connected ConnectedPayload
	assert.NoError(t, msg.Decode(&connected))
	assert.Equal(t, "s1", connected.SessionID)
}

func TestClientConnectIsIdempotent(t *testing.T) {
	conns := make(chan struct{}, 4)
	url, cleanup := startTestServer(t, func(ws *websocket.Conn) {
		conns <- struct{}{}
		var hold Message
		websocket.JSON.Receive(ws, &hold)
	})
	defer cleanup()

	c := NewClient(url)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	assert.NoError(t, c.Connect())

	<-conns
	select {
	case <-conns:
		t.Fatal("second Connect opened a duplicate socket")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://localhost:0")
	err := c.SendMessage(NewConnectRequest("X"))
	assert.Equal(t, ErrNotConnected, err)
}

func TestClientDiscardsBufferedMessagesAcrossSessions(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	url, cleanup := startTestServer(t, func(ws *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// A failure the consumer never reads before disconnecting.
			websocket.JSON.Send(ws, map[string]interface{}{"type": "error", "error": "stale failure"})
		} else {
			websocket.JSON.Send(ws, map[string]interface{}{"type": "connected", "sessionId": "s2"})
		}
		var hold Message
		websocket.JSON.Receive(ws, &hold)
	})
	defer cleanup()

	c := NewClient(url)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	// Let the error land in the buffer while nobody is consuming.
	time.Sleep(100 * time.Millisecond)
	c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	msg := receiveMessage(t, c)
	assert.Equal(t, TypeConnected, msg.Type, "messages buffered by an ended session must not reach the next one")
}

func TestClientDisconnectThenReconnect(t *testing.T) {
	url, cleanup := startTestServer(t, func(ws *websocket.Conn) {
		for {
			var msg Message
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			websocket.JSON.Send(ws, map[string]interface{}{"type": "connected", "sessionId": "again"})
		}
	})
	defer cleanup()

	c := NewClient(url)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	c.Disconnect() // safe to repeat

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	assert.NoError(t, c.SendMessage(NewConnectRequest("PGSVXKGZJCFA6MOH4UPBH5Q9HY")))
	msg := receiveMessage(t, c)
	assert.Equal(t, TypeConnected, msg.Type)
}
