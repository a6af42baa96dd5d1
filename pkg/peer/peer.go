// Package peer is a thin seam over a native WebRTC engine. The
// orchestration layer (pkg/webrtcconn) only ever sees these interfaces,
// so tests can drive it with fakes and the pion adapter stays the single
// place that touches the engine.
package peer

// ConnectionState mirrors the peer connection lifecycle of the underlying
// engine.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ICEServer is a STUN/TURN server entry handed to the engine at creation.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICECandidate is the JSON shape exchanged over signaling.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Description is an SDP offer or answer as exchanged over signaling.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// DataChannel is a single channel on an established peer connection.
type DataChannel interface {
	Label() string
	// IsOpen reports whether the channel is open right now. Callers that
	// also subscribe via OnOpen must check this first: the channel may
	// have opened before the handler was installed.
	IsOpen() bool
	OnOpen(f func())
	OnMessage(f func(data []byte))
	OnClose(f func())
	SendText(s string) error
	Send(data []byte) error
	Close() error
}

// Connection is the engine-facing contract used by the orchestration
// layer. Implementations must tolerate Close being called more than once.
type Connection interface {
	OnICECandidate(f func(ICECandidate))
	OnDataChannel(f func(DataChannel))
	OnStateChange(f func(ConnectionState))
	// CreateDataChannel must be called before CreateOffer for the channel
	// to be negotiated in the initial SDP. maxRetransmits nil means
	// unlimited (reliable).
	CreateDataChannel(label string, ordered bool, maxRetransmits *uint16) (DataChannel, error)
	// CreateOffer creates and installs the local description.
	CreateOffer() (Description, error)
	SetRemoteAnswer(desc Description) error
	AddICECandidate(candidate ICECandidate) error
	Close() error
}

// Factory creates a Connection initialized with the given ICE servers.
// Production code uses NewPionConnection; tests inject fakes.
type Factory func(iceServers []ICEServer) (Connection, error)
