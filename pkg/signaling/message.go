package signaling

import (
	"encoding/json"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
)

type MessageType string

const (
	TypeConnectRequest   MessageType = "connect-request"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeConnected        MessageType = "connected"
	TypeError            MessageType = "error"
	TypePeerDisconnected MessageType = "peer-disconnected"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"

	// TypeUnknown marks a message whose type discriminator is not part of
	// the protocol this client speaks. Such messages decode successfully
	// and are routed nowhere, so newer servers can add message kinds
	// without breaking older clients.
	TypeUnknown MessageType = "unknown"
)

var knownTypes = map[MessageType]struct{}{
	TypeConnectRequest:   {},
	TypeOffer:            {},
	TypeAnswer:           {},
	TypeICECandidate:     {},
	TypeConnected:        {},
	TypeError:            {},
	TypePeerDisconnected: {},
	TypePing:             {},
	TypePong:             {},
}

// Message is a received signaling message: the type discriminator plus
// the raw payload for a second, type-specific decode.
type Message struct {
	Type MessageType
	// RawType is the discriminator exactly as received; it differs from
	// Type only when Type is TypeUnknown.
	RawType string
	Payload []byte
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	m.RawType = t.Type
	m.Type = MessageType(t.Type)
	if _, ok := knownTypes[m.Type]; !ok {
		m.Type = TypeUnknown
	}
	m.Payload = data
	return nil
}

// Decode unmarshals the full message payload into a type-specific struct.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Client → server messages.

type ConnectRequest struct {
	Type     MessageType `json:"type"`
	RemoteID string      `json:"remoteId"`
}

func NewConnectRequest(remoteID string) *ConnectRequest {
	return &ConnectRequest{Type: TypeConnectRequest, RemoteID: remoteID}
}

type Offer struct {
	Type      MessageType      `json:"type"`
	RemoteID  string           `json:"remoteId"`
	SessionID string           `json:"sessionId"`
	Data      peer.Description `json:"data"`
}

func NewOffer(remoteID, sessionID string, desc peer.Description) *Offer {
	return &Offer{Type: TypeOffer, RemoteID: remoteID, SessionID: sessionID, Data: desc}
}

type Candidate struct {
	Type      MessageType       `json:"type"`
	RemoteID  string            `json:"remoteId,omitempty"`
	SessionID string            `json:"sessionId"`
	Data      peer.ICECandidate `json:"data"`
}

func NewCandidate(remoteID, sessionID string, candidate peer.ICECandidate) *Candidate {
	return &Candidate{Type: TypeICECandidate, RemoteID: remoteID, SessionID: sessionID, Data: candidate}
}

type PingPong struct {
	Type MessageType `json:"type"`
}

func NewPong() *PingPong {
	return &PingPong{Type: TypePong}
}

// Server → client payloads.

type ConnectedPayload struct {
	SessionID  string           `json:"sessionId"`
	ICEServers []peer.ICEServer `json:"iceServers"`
}

type AnswerPayload struct {
	SessionID string           `json:"sessionId"`
	Data      peer.Description `json:"data"`
}

type CandidatePayload struct {
	SessionID string            `json:"sessionId"`
	Data      peer.ICECandidate `json:"data"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type PeerDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
}
