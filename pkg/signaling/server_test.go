package signaling

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/websocket"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
)

const testRemoteID = "PGSVXKGZJCFA6MOH4UPBH5Q9HY"

func startRelay(t *testing.T) (url string, cleanup func()) {
	sv := NewServer([]peer.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}})
	srv := httptest.NewServer(sv.WebSocketHandler())
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

// dialRaw opens a plain websocket to the relay, used to play the remote
// media server's side of the protocol.
func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Dial(url, "", url)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func receiveRaw(t *testing.T, ws *websocket.Conn) *Message {
	t.Helper()
	var msg Message
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("failed to receive from relay: %+v", err)
	}
	return &msg
}

func TestRelayFullHandshake(t *testing.T) {
	url, cleanup := startRelay(t)
	defer cleanup()

	remote := dialRaw(t, url)
	defer remote.Close()
	if err := websocket.JSON.Send(remote, map[string]string{"type": typeRegisterRemote, "remoteId": testRemoteID}); err != nil {
		t.Fatal(err)
	}

	client := NewClient(url)
	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	// Registration races the connect-request; give the relay a moment.
	time.Sleep(100 * time.Millisecond)
	if err := client.SendMessage(NewConnectRequest(testRemoteID)); err != nil {
		t.Fatal(err)
	}

	msg := receiveMessage(t, client)
	assert.Equal(t, TypeConnected, msg.Type)
	var connected ConnectedPayload
	assert.NoError(t, msg.Decode(&connected))
	assert.NotEmpty(t, connected.SessionID)
	assert.Len(t, connected.ICEServers, 1)
	sid := connected.SessionID

	// Offer travels client → remote.
	if err := client.SendMessage(NewOffer(testRemoteID, sid, peer.Description{Type: "offer", SDP: "v=0 offer"})); err != nil {
		t.Fatal(err)
	}
	got := receiveRaw(t, remote)
	assert.Equal(t, TypeOffer, got.Type)
	var offer Offer
	assert.NoError(t, got.Decode(&offer))
	assert.Equal(t, sid, offer.SessionID)
	assert.Equal(t, "v=0 offer", offer.Data.SDP)

	// Answer travels remote → client.
	if err := websocket.JSON.Send(remote, map[string]interface{}{
		"type":      "answer",
		"sessionId": sid,
		"data":      map[string]string{"type": "answer", "sdp": "v=0 answer"},
	}); err != nil {
		t.Fatal(err)
	}
	msg = receiveMessage(t, client)
	assert.Equal(t, TypeAnswer, msg.Type)
	var answer AnswerPayload
	assert.NoError(t, msg.Decode(&answer))
	assert.Equal(t, "v=0 answer", answer.Data.SDP)

	// ICE candidates relay both directions.
	if err := client.SendMessage(NewCandidate(testRemoteID, sid, peer.ICECandidate{Candidate: "candidate:1"})); err != nil {
		t.Fatal(err)
	}
	got = receiveRaw(t, remote)
	assert.Equal(t, TypeICECandidate, got.Type)
}

func TestRelayUnknownRemote(t *testing.T) {
	url, cleanup := startRelay(t)
	defer cleanup()

	client := NewClient(url)
	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	if err := client.SendMessage(NewConnectRequest("NOSUCHREMOTEIDAAAAAAAAAAAA")); err != nil {
		t.Fatal(err)
	}
	msg := receiveMessage(t, client)
	assert.Equal(t, TypeError, msg.Type)
	var perr ErrorPayload
	assert.NoError(t, msg.Decode(&perr))
	assert.Equal(t, "unknown remote id", perr.Error)
}

func TestRelayPeerDisconnected(t *testing.T) {
	url, cleanup := startRelay(t)
	defer cleanup()

	remote := dialRaw(t, url)
	if err := websocket.JSON.Send(remote, map[string]string{"type": typeRegisterRemote, "remoteId": testRemoteID}); err != nil {
		t.Fatal(err)
	}

	client := NewClient(url)
	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if err := client.SendMessage(NewConnectRequest(testRemoteID)); err != nil {
		t.Fatal(err)
	}
	msg := receiveMessage(t, client)
	assert.Equal(t, TypeConnected, msg.Type)
	var connected ConnectedPayload
	assert.NoError(t, msg.Decode(&connected))

	remote.Close()

	msg = receiveMessage(t, client)
	assert.Equal(t, TypePeerDisconnected, msg.Type)
	var pd PeerDisconnectedPayload
	assert.NoError(t, msg.Decode(&pd))
	assert.Equal(t, connected.SessionID, pd.SessionID)
}
