// Package session owns the client's connection lifecycle: transport
// selection, the session state machine, reconnection, and the
// request/response surface exposed to the application.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hayupadhyaya/tunelink/pkg/credstore"
	"github.com/hayupadhyaya/tunelink/pkg/reconnect"
	"github.com/hayupadhyaya/tunelink/pkg/remoteid"
	"github.com/hayupadhyaya/tunelink/pkg/rpc"
	"github.com/hayupadhyaya/tunelink/pkg/tasks"
	"github.com/hayupadhyaya/tunelink/pkg/transport"
)

// ErrNotConnected is returned by operations that require an established
// session.
var ErrNotConnected = errors.New("session is not connected")

const (
	// Observation windows for the reconnection loop. A local socket
	// either connects fast or not at all; WebRTC has to traverse
	// signaling, ICE and DTLS before the channel opens.
	directObservationWindow = 5 * time.Second
	webrtcObservationWindow = 45 * time.Second

	stateBuffer = 32
	eventBuffer = 32
)

// Event is a server push, routed independently of request/response
// correlation. Payload is the complete raw message.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// WebRTCConnector is the slice of the WebRTC connection manager the
// session depends on.
type WebRTCConnector interface {
	Connect(ctx context.Context, rid remoteid.RemoteID) (transport.Conn, error)
	Disconnect()
}

// Manager is the top-level session driver. All state transitions funnel
// through it; transports and the RPC engine are implementation details
// behind its public surface.
type Manager struct {
	creds  credstore.Store
	webrtc WebRTCConnector
	dial   func(url string) (transport.Conn, error)
	engine *rpc.Engine
	tasks  *tasks.Registry

	mu                 sync.Mutex
	state              State
	conn               transport.Conn
	lastWebRTCRemoteID remoteid.RemoteID
	reconnectRunning   bool

	// Test seams; production values set by NewManager.
	directWindow time.Duration
	webrtcWindow time.Duration
	maxAttempts  int

	callbackMu sync.Mutex
	endpointFn func(last Mode) Mode

	states chan State
	events chan Event
}

func NewManager(creds credstore.Store, webrtc WebRTCConnector) *Manager {
	m := &Manager{
		creds:        creds,
		webrtc:       webrtc,
		dial: func(url string) (transport.Conn, error) {
			return transport.DialWebSocket(url)
		},
		engine:       rpc.NewEngine(),
		tasks:        tasks.NewRegistry(),
		state:        DisconnectedInitial(),
		directWindow: directObservationWindow,
		webrtcWindow: webrtcObservationWindow,
		maxAttempts:  reconnect.DefaultMaxAttempts,
		states:       make(chan State, stateBuffer),
		events:       make(chan Event, eventBuffer),
	}
	m.engine.OnAuthExpired(m.handleAuthExpired)
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States streams every published state transition. Buffered; the oldest
// entry is dropped on overflow, the latest state always arrives.
func (m *Manager) States() <-chan State {
	return m.states
}

// Events streams server pushes.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SetEndpointProvider installs a hook that supplies the endpoint for
// each reconnection attempt, so settings edited mid-retry are honored.
// Returning nil keeps the last-used endpoint.
func (m *Manager) SetEndpointProvider(f func(last Mode) Mode) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.endpointFn = f
}

// Connect establishes a session over the given transport mode. It is a
// no-op while Connecting or Connected. While Reconnecting it acts as
// the retry attempt for the active loop: the state stays Reconnecting
// rather than flipping through Connecting, so observers never see a
// spurious disconnect blink.
func (m *Manager) Connect(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseConnecting, PhaseConnected:
		phase := m.state.Phase
		m.mu.Unlock()
		log.Printf("connect requested while %s, ignored", phase)
		return nil
	case PhaseReconnecting:
		m.mu.Unlock()
		return m.establish(ctx, mode, false)
	}
	st := connecting(mode)
	m.state = st
	m.mu.Unlock()
	m.publishState(st)

	if err := m.establish(ctx, mode, true); err != nil {
		return err
	}
	return nil
}

// establish dials the transport and completes the transition to
// Connected. fresh marks an initial connection, whose failure is final;
// during reconnection the loop keeps driving and a failed attempt only
// returns an error.
func (m *Manager) establish(ctx context.Context, mode Mode, fresh bool) error {
	var conn transport.Conn
	var err error
	switch mo := mode.(type) {
	case DirectMode:
		conn, err = m.dial(mo.URL())
	case WebRTCMode:
		conn, err = m.webrtc.Connect(ctx, mo.RemoteID)
	default:
		err = errors.Errorf("unsupported connection mode %T", mode)
	}
	if err != nil {
		if fresh {
			m.disconnect(DisconnectedError(err.Error()))
		}
		return errors.Wrap(err, "failed to establish transport")
	}

	m.mu.Lock()
	if m.state.Phase != PhaseConnecting && m.state.Phase != PhaseReconnecting {
		// The session was torn down while the transport was dialing.
		m.mu.Unlock()
		conn.Close()
		return errors.New("connection attempt superseded")
	}
	prev := m.state
	st := connected(mode, prev)
	m.state = st
	m.conn = conn
	if mo, ok := mode.(WebRTCMode); ok {
		m.lastWebRTCRemoteID = mo.RemoteID
	}
	m.mu.Unlock()
	m.publishState(st)

	lctx, cancel := context.WithCancel(context.Background())
	m.tasks.Add("message-listener", cancel)
	go m.listen(lctx, conn)

	log.Printf("session connected (%s)", mode)
	return nil
}

// DisconnectByUser tears the session down at the user's request and
// forgets the cached WebRTC identity used for reconnection.
func (m *Manager) DisconnectByUser() {
	m.mu.Lock()
	m.lastWebRTCRemoteID = ""
	m.mu.Unlock()
	m.disconnect(DisconnectedByUser())
}

// disconnect is the single teardown path: it closes the active
// transport, cancels every tracked task, clears the RPC engine and only
// then publishes the new state.
func (m *Manager) disconnect(newState State) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = newState
	m.mu.Unlock()

	m.tasks.CancelAll()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("failed to close transport: %+v", err)
		}
	}
	m.webrtc.Disconnect()
	m.engine.Clear()
	m.publishState(newState)
}

func (m *Manager) listen(ctx context.Context, conn transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.Messages():
			if !ok {
				m.handleTransportLoss(conn)
				return
			}
			m.handleMessage(data)
		}
	}
}

func (m *Manager) handleMessage(data []byte) {
	if m.engine.HandleResponse(data) {
		return
	}

	var probe struct {
		Event    string `json:"event"`
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("dropping undecodable message: %+v", err)
		return
	}
	if probe.ServerID != "" {
		m.updateServerID(probe.ServerID)
	}
	if probe.Event != "" {
		m.publishEvent(Event{Name: probe.Event, Payload: data})
		return
	}
	if probe.ServerID == "" {
		log.Printf("dropping unroutable message")
	}
}

func (m *Manager) updateServerID(serverID string) {
	m.mu.Lock()
	if m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	info := ServerInfo{ServerID: serverID}
	if m.state.ServerInfo != nil {
		info = *m.state.ServerInfo
		info.ServerID = serverID
	}
	m.state.ServerInfo = &info
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

// handleTransportLoss reacts to the message stream of the active
// transport terminating: the session moves to Reconnecting with its
// context intact and the retry loop starts.
func (m *Manager) handleTransportLoss(conn transport.Conn) {
	m.mu.Lock()
	if m.conn != conn || m.state.Phase != PhaseConnected {
		// A stale listener from a superseded transport.
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.conn = nil
	st := reconnecting(prev)
	m.state = st
	m.mu.Unlock()

	log.Printf("transport lost while connected (%s), reconnecting", prev.Mode)
	m.engine.Clear()
	if err := conn.Close(); err != nil {
		log.Printf("failed to close lost transport: %+v", err)
	}
	if _, ok := prev.Mode.(WebRTCMode); ok {
		m.webrtc.Disconnect()
	}
	m.publishState(st)
	m.startReconnectLoop(prev.Mode)
}

// startReconnectLoop is single-flight per logical session.
func (m *Manager) startReconnectLoop(mode Mode) {
	m.mu.Lock()
	if m.reconnectRunning {
		m.mu.Unlock()
		return
	}
	m.reconnectRunning = true
	m.mu.Unlock()

	window := m.directWindow
	if _, ok := mode.(WebRTCMode); ok {
		window = m.webrtcWindow
	}
	loop := &reconnect.Loop{
		Tag:               mode.String(),
		MaxAttempts:       m.maxAttempts,
		ObservationWindow: window,
		ShouldStop: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.state.Phase != PhaseReconnecting
		},
		IsConnected: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.state.Phase == PhaseConnected
		},
		OnAttempt: func(attempt int) {
			m.runReconnectAttempt(attempt)
		},
		OnGiveUp: func() {
			m.disconnect(DisconnectedError("reconnection attempts exhausted"))
		},
	}

	rctx, cancel := context.WithCancel(context.Background())
	m.tasks.Add("reconnect-loop", cancel)
	go func() {
		defer func() {
			m.mu.Lock()
			m.reconnectRunning = false
			m.mu.Unlock()
		}()
		loop.Run(rctx)
	}()
}

func (m *Manager) runReconnectAttempt(attempt int) {
	m.mu.Lock()
	if m.state.Phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	m.state.Attempt = attempt + 1
	st := m.state
	m.mu.Unlock()
	m.publishState(st)

	target := m.reconnectTarget(st.Mode)
	if err := m.establish(context.Background(), target, false); err != nil {
		log.Printf("reconnect attempt %d failed: %+v", attempt+1, err)
	}
}

// reconnectTarget re-reads the endpoint before every attempt so that
// settings edited mid-retry take effect.
func (m *Manager) reconnectTarget(last Mode) Mode {
	m.callbackMu.Lock()
	f := m.endpointFn
	m.callbackMu.Unlock()
	if f != nil {
		if mode := f(last); mode != nil {
			return mode
		}
	}
	return last
}

type rpcResult struct {
	resp *rpc.Response
	err  error
}

// SendRequest issues one RPC and blocks until its final response, the
// context ends, or the session disconnects. Partial batches are merged
// by the engine before delivery.
func (m *Manager) SendRequest(ctx context.Context, command string, args map[string]interface{}) (*rpc.Response, error) {
	m.mu.Lock()
	if m.state.Phase != PhaseConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	id := uuid.Must(uuid.NewRandom()).String()
	data, err := json.Marshal(&rpc.Request{MessageID: id, Command: command, Args: args})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	done := make(chan rpcResult, 1)
	m.engine.RegisterCallback(id, func(resp *rpc.Response, err error) {
		done <- rpcResult{resp: resp, err: err}
	})

	if err := conn.Send(ctx, data); err != nil {
		m.engine.RemoveCallback(id)
		m.disconnect(DisconnectedError(err.Error()))
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case <-ctx.Done():
		m.engine.RemoveCallback(id)
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if err := res.resp.Err(); err != nil {
			return nil, err
		}
		return res.resp, nil
	}
}

// Login authenticates with explicit credentials. On success the
// returned token is persisted for the connected server identity; on
// rejection the stored credential for that identity is cleared.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	m.setAuth(Auth{Phase: AuthInProgress}, false)

	resp, err := m.SendRequest(ctx, "login", map[string]interface{}{
		"username": username,
		"password": password,
	})
	if err != nil {
		m.authFailed(err)
		return err
	}

	m.mu.Lock()
	m.state.User = &User{Name: username}
	m.state.Auth = Auth{Phase: AuthNotStarted}
	m.state.WasAutoLogin = false
	st := m.state
	key := m.credKeyLocked()
	m.mu.Unlock()
	m.publishState(st)

	if token := extractToken(resp); token != "" && key != "" {
		if err := m.creds.Set(key, token); err != nil {
			log.Printf("failed to persist credential: %+v", err)
		}
	}
	return nil
}

// Authorize authenticates with the stored credential for the connected
// server identity, falling back to the legacy global slot.
func (m *Manager) Authorize(ctx context.Context) error {
	m.mu.Lock()
	key := m.credKeyLocked()
	m.mu.Unlock()

	token, ok := m.creds.Get(key)
	if !ok {
		token, ok = m.creds.Legacy()
	}
	if !ok {
		err := errors.New("no stored credential")
		m.authFailed(err)
		return err
	}

	m.setAuth(Auth{Phase: AuthInProgress}, false)
	resp, err := m.SendRequest(ctx, "authorize", map[string]interface{}{
		"token": token,
	})
	if err != nil {
		m.authFailed(err)
		return err
	}

	m.mu.Lock()
	m.state.User = extractUser(resp)
	m.state.Auth = Auth{Phase: AuthNotStarted}
	m.state.WasAutoLogin = true
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return nil
}

// Logout ends the authenticated session and drops the stored credential
// for the connected server identity.
func (m *Manager) Logout(ctx context.Context) error {
	if _, err := m.SendRequest(ctx, "logout", nil); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.User = nil
	m.state.Auth = Auth{Phase: AuthNotStarted}
	m.state.WasAutoLogin = false
	st := m.state
	key := m.credKeyLocked()
	m.mu.Unlock()
	m.publishState(st)

	if key != "" {
		if err := m.creds.Delete(key); err != nil {
			log.Printf("failed to delete credential: %+v", err)
		}
	}
	return nil
}

// authFailed records the rejection and clears the stored credential for
// the current server identity. The legacy slot stays as-is.
func (m *Manager) authFailed(cause error) {
	m.mu.Lock()
	m.state.Auth = Auth{Phase: AuthFailed, Reason: cause.Error()}
	st := m.state
	key := m.credKeyLocked()
	m.mu.Unlock()
	m.publishState(st)

	if key != "" {
		if err := m.creds.Delete(key); err != nil {
			log.Printf("failed to delete credential: %+v", err)
		}
	}
}

// handleAuthExpired is the engine's side channel for the reserved
// "session no longer valid" error code. It resets auth state without
// touching the transport.
func (m *Manager) handleAuthExpired() {
	m.mu.Lock()
	if m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	m.state.User = nil
	m.state.Auth = Auth{Phase: AuthFailed, Reason: "session expired"}
	st := m.state
	m.mu.Unlock()

	log.Printf("server reported expired session, re-authentication required")
	m.publishState(st)
}

func (m *Manager) setAuth(auth Auth, autoLogin bool) {
	m.mu.Lock()
	m.state.Auth = auth
	m.state.WasAutoLogin = autoLogin
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

// credKeyLocked derives the credential-store key from the active mode.
// Callers must hold m.mu.
func (m *Manager) credKeyLocked() string {
	if m.state.Mode == nil {
		return ""
	}
	return m.state.Mode.String()
}

func (m *Manager) publishState(st State) {
	for {
		select {
		case m.states <- st:
			return
		default:
		}
		select {
		case <-m.states:
		default:
		}
	}
}

func (m *Manager) publishEvent(ev Event) {
	for {
		select {
		case m.events <- ev:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}

func extractToken(resp *rpc.Response) string {
	for _, raw := range resp.Result {
		var item struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Token != "" {
			return item.Token
		}
	}
	return ""
}

func extractUser(resp *rpc.Response) *User {
	for _, raw := range resp.Result {
		var item struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Username != "" {
			return &User{Name: item.Username}
		}
	}
	return nil
}
