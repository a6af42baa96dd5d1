package session

import (
	"fmt"

	"github.com/hayupadhyaya/tunelink/pkg/remoteid"
)

// Mode selects the transport a session runs over.
type Mode interface {
	isMode()
	// String doubles as the server-identity key used for credential
	// storage, so it must be stable across runs.
	String() string
}

// DirectMode connects straight to the server over a WebSocket.
type DirectMode struct {
	Host   string
	Port   int
	UseTLS bool
}

func (DirectMode) isMode() {}

func (m DirectMode) String() string {
	return fmt.Sprintf("direct:%s:%d", m.Host, m.Port)
}

// URL is the WebSocket endpoint for this mode.
func (m DirectMode) URL() string {
	scheme := "ws"
	if m.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, m.Host, m.Port)
}

// WebRTCMode connects through the cloud signaling server to a remote
// identified by its 26-character identifier.
type WebRTCMode struct {
	RemoteID remoteid.RemoteID
}

func (WebRTCMode) isMode() {}

func (m WebRTCMode) String() string {
	return "webrtc:" + m.RemoteID.String()
}

// Phase is the top-level session lifecycle position.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

// DisconnectReason qualifies PhaseDisconnected.
type DisconnectReason int

const (
	ReasonInitial DisconnectReason = iota
	ReasonByUser
	ReasonNoServerData
	ReasonError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonInitial:
		return "Initial"
	case ReasonByUser:
		return "ByUser"
	case ReasonNoServerData:
		return "NoServerData"
	case ReasonError:
		return "Error"
	}
	return "Unknown"
}

// AuthPhase is the authentication sub-state within a connected session.
type AuthPhase int

const (
	AuthNotStarted AuthPhase = iota
	AuthInProgress
	AuthFailed
)

func (a AuthPhase) String() string {
	switch a {
	case AuthNotStarted:
		return "NotStarted"
	case AuthInProgress:
		return "InProgress"
	case AuthFailed:
		return "Failed"
	}
	return "Unknown"
}

// Auth carries the auth phase and, when failed, the server's reason.
type Auth struct {
	Phase  AuthPhase
	Reason string
}

// ServerInfo is what the session has learned about the connected server.
type ServerInfo struct {
	ServerID string
	Name     string
	Version  string
}

// User is the authenticated identity, nil while logged out.
type User struct {
	Name string
}

// State is the session's single source of truth. Which fields are
// meaningful depends on Phase: Mode from Connecting onward, Attempt only
// while Reconnecting, Reason/Err only while Disconnected. Entering
// Reconnecting preserves ServerInfo/User/Auth; only ByUser or a final
// Error clears them.
type State struct {
	Phase        Phase
	Reason       DisconnectReason
	Err          string
	Mode         Mode
	Attempt      int
	ServerInfo   *ServerInfo
	User         *User
	Auth         Auth
	WasAutoLogin bool
}

func DisconnectedInitial() State {
	return State{Phase: PhaseDisconnected, Reason: ReasonInitial}
}

func DisconnectedByUser() State {
	return State{Phase: PhaseDisconnected, Reason: ReasonByUser}
}

func DisconnectedNoServerData() State {
	return State{Phase: PhaseDisconnected, Reason: ReasonNoServerData}
}

func DisconnectedError(cause string) State {
	return State{Phase: PhaseDisconnected, Reason: ReasonError, Err: cause}
}

func connecting(mode Mode) State {
	return State{Phase: PhaseConnecting, Mode: mode}
}

// connected carries the previous state's session context forward, which
// is what makes a Reconnecting→Connected transition seamless.
func connected(mode Mode, prev State) State {
	return State{
		Phase:        PhaseConnected,
		Mode:         mode,
		ServerInfo:   prev.ServerInfo,
		User:         prev.User,
		Auth:         prev.Auth,
		WasAutoLogin: prev.WasAutoLogin,
	}
}

// reconnecting preserves the full session context of the state it
// interrupts, so observers keep showing last-known data during retries.
func reconnecting(prev State) State {
	return State{
		Phase:        PhaseReconnecting,
		Mode:         prev.Mode,
		ServerInfo:   prev.ServerInfo,
		User:         prev.User,
		Auth:         prev.Auth,
		WasAutoLogin: prev.WasAutoLogin,
	}
}
