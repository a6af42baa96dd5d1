package webrtcconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
	"github.com/hayupadhyaya/tunelink/pkg/remoteid"
	"github.com/hayupadhyaya/tunelink/pkg/signaling"
	"github.com/hayupadhyaya/tunelink/pkg/tasks"
	"github.com/hayupadhyaya/tunelink/pkg/transport"
)

const (
	// APIChannelLabel carries JSON RPC traffic: ordered and reliable,
	// command/response correctness depends on it.
	APIChannelLabel = "ma-api"
	// AudioChannelLabel carries the audio stream: unordered with zero
	// retransmits, a dropped chunk must never stall the stream.
	AudioChannelLabel = "sendspin"

	connectTimeout = 30 * time.Second
)

// State is the connection manager's sub-state machine, active only while
// a WebRTC transport is being established or held.
type State int

const (
	StateIdle State = iota
	StateConnectingToSignaling
	StateNegotiating
	StateGathering
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnectingToSignaling:
		return "ConnectingToSignaling"
	case StateNegotiating:
		return "NegotiatingPeerConnection"
	case StateGathering:
		return "GatheringIceCandidates"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

// ErrBusy is returned when Connect is called while an attempt or an
// established connection is active.
var ErrBusy = errors.New("webrtc connection attempt already in progress")

// SignalingClient is the slice of pkg/signaling.Client the manager uses.
type SignalingClient interface {
	Connect() error
	SendMessage(msg interface{}) error
	Disconnect()
	Messages() <-chan *signaling.Message
}

// Manager turns "connect by remote identifier" into an open "ma-api"
// data channel, by driving the signaling handshake and a peer connection
// created through the injected factory. It exclusively owns the
// signaling connection and the peer/data-channel handles.
type Manager struct {
	signaling SignalingClient
	newPeer   peer.Factory
	timeout   time.Duration
	tasks     *tasks.Registry

	mu           sync.Mutex
	state        State
	reason       string
	sessionID    string
	rid          remoteid.RemoteID
	pc           peer.Connection
	apiChannel   peer.DataChannel
	audioChannel peer.DataChannel
	apiConn      *transport.DataChannelConn
	timer        *time.Timer
	attempt      *attempt

	callbackMu    sync.Mutex
	onStateChange func(State)
	onAudioReady  func(peer.DataChannel)
}

// attempt is the completion handle for one Connect call, fulfilled at
// most once even when success and failure signals race.
type attempt struct {
	result chan error
	once   sync.Once
}

func (a *attempt) deliver(err error) {
	a.once.Do(func() {
		a.result <- err
	})
}

func NewManager(sc SignalingClient, factory peer.Factory) *Manager {
	return &Manager{
		signaling: sc,
		newPeer:   factory,
		timeout:   connectTimeout,
		tasks:     tasks.NewRegistry(),
		state:     StateIdle,
	}
}

// OnStateChange installs an observer for internal state transitions.
func (m *Manager) OnStateChange(f func(State)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onStateChange = f
}

// OnAudioChannelReady fires when the audio channel opens. Its readiness
// is tracked separately and never gates Connect: the audio pipeline is
// an external consumer.
func (m *Manager) OnAudioChannelReady(f func(peer.DataChannel)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onAudioReady = f
}

// Connect establishes a WebRTC session to the given remote and blocks
// until the API channel is open or the attempt fails. Only legal from
// Idle or Error; otherwise it is refused with ErrBusy.
func (m *Manager) Connect(ctx context.Context, rid remoteid.RemoteID) (transport.Conn, error) {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateError {
		state := m.state
		m.mu.Unlock()
		log.Printf("webrtc connect requested while %s, ignored", state)
		return nil, ErrBusy
	}
	att := &attempt{result: make(chan error, 1)}
	m.attempt = att
	m.rid = rid
	m.reason = ""
	m.sessionID = ""
	m.state = StateConnectingToSignaling
	m.timer = time.AfterFunc(m.timeout, func() {
		m.fail("timeout")
	})
	m.mu.Unlock()
	m.notifyState(StateConnectingToSignaling)

	if err := m.signaling.Connect(); err != nil {
		m.fail("failed to connect to signaling server")
		return nil, errors.Wrap(err, "failed to connect to signaling server")
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	m.tasks.Add("signaling-dispatch", cancel)
	go m.dispatch(dispatchCtx)

	if err := m.signaling.SendMessage(signaling.NewConnectRequest(rid.String())); err != nil {
		m.fail("failed to send connect request")
		return nil, errors.Wrap(err, "failed to send connect request")
	}

	select {
	case <-ctx.Done():
		m.fail("cancelled")
		return nil, ctx.Err()
	case err := <-att.result:
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		conn := m.apiConn
		m.mu.Unlock()
		return conn, nil
	}
}

// Disconnect cancels every in-flight task, closes both data channels and
// the peer connection, disconnects signaling and returns to Idle. Safe
// to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	att := m.attempt
	m.attempt = nil
	m.state = StateIdle
	m.reason = ""
	m.sessionID = ""
	m.mu.Unlock()

	m.cleanup()
	m.notifyState(StateIdle)
	if att != nil {
		att.deliver(errors.New("disconnected"))
	}
}

// State returns the current state and, in StateError, its reason.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// AudioChannel returns the audio data channel, nil until negotiated.
func (m *Manager) AudioChannel() peer.DataChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioChannel
}

func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.signaling.Messages():
			if !ok {
				return
			}
			m.handleSignalingMessage(msg)
		}
	}
}

func (m *Manager) handleSignalingMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeConnected:
		var p signaling.ConnectedPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("failed to decode connected message: %+v", err)
			return
		}
		m.handleConnected(&p)

	case signaling.TypeAnswer:
		var p signaling.AnswerPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("failed to decode answer message: %+v", err)
			return
		}
		if !m.currentSession(p.SessionID) {
			log.Printf("ignoring answer for stale session %s", p.SessionID)
			return
		}
		m.mu.Lock()
		pc := m.pc
		m.mu.Unlock()
		if pc == nil {
			log.Printf("answer received before peer connection exists")
			return
		}
		if err := pc.SetRemoteAnswer(p.Data); err != nil {
			log.Printf("failed to set remote answer: %+v", err)
			m.fail("failed to set remote answer")
		}

	case signaling.TypeICECandidate:
		var p signaling.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("failed to decode ice-candidate message: %+v", err)
			return
		}
		if !m.currentSession(p.SessionID) {
			log.Printf("ignoring ice candidate for stale session %s", p.SessionID)
			return
		}
		m.mu.Lock()
		pc := m.pc
		m.mu.Unlock()
		if pc == nil {
			log.Printf("ice candidate received before peer connection exists")
			return
		}
		if err := pc.AddICECandidate(p.Data); err != nil {
			log.Printf("failed to add remote ice candidate: %+v", err)
		}

	case signaling.TypeError:
		var p signaling.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("failed to decode error message: %+v", err)
			return
		}
		m.fail(p.Error)

	case signaling.TypePeerDisconnected:
		var p signaling.PeerDisconnectedPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("failed to decode peer-disconnected message: %+v", err)
			return
		}
		if !m.currentSession(p.SessionID) {
			log.Printf("ignoring peer-disconnected for stale session %s", p.SessionID)
			return
		}
		m.fail("peer disconnected")

	default:
		log.Printf("unhandled signaling message type: %s", msg.RawType)
	}
}

// currentSession reports whether a signaling payload belongs to the
// session negotiated by the active attempt. The relay echoes the session
// id on every post-connected message; anything else is a leftover from a
// previous attempt.
func (m *Manager) currentSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID != "" && sessionID == m.sessionID
}

func (m *Manager) handleConnected(p *signaling.ConnectedPayload) {
	m.mu.Lock()
	if m.state != StateConnectingToSignaling {
		state := m.state
		m.mu.Unlock()
		log.Printf("connected message ignored while %s", state)
		return
	}
	m.sessionID = p.SessionID
	m.state = StateNegotiating
	// Negotiation gets its own ceiling: from here the channel must open
	// within the timeout or the attempt fails.
	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
	rid := m.rid
	m.mu.Unlock()
	m.notifyState(StateNegotiating)

	pc, err := m.newPeer(p.ICEServers)
	if err != nil {
		log.Printf("failed to create peer connection: %+v", err)
		m.fail("failed to create peer connection")
		return
	}
	m.mu.Lock()
	if m.state != StateNegotiating {
		// The attempt failed (timeout, error) while the engine was being
		// created; cleanup already ran, so this connection must not
		// outlive it.
		m.mu.Unlock()
		log.Printf("discarding peer connection for superseded attempt")
		if err := pc.Close(); err != nil {
			log.Printf("failed to close superseded peer connection: %+v", err)
		}
		return
	}
	m.pc = pc
	m.mu.Unlock()

	sessionID := p.SessionID
	pc.OnICECandidate(func(c peer.ICECandidate) {
		if err := m.signaling.SendMessage(signaling.NewCandidate(rid.String(), sessionID, c)); err != nil {
			log.Printf("failed to send ice candidate: %+v", err)
		}
	})
	pc.OnStateChange(func(s peer.ConnectionState) {
		log.Printf("peer connection state has changed: %s", s)
		switch s {
		case peer.StateFailed, peer.StateDisconnected, peer.StateClosed:
			// disconnected is treated as a hard failure: starting a fresh
			// reconnect beats waiting for ICE to maybe recover.
			m.fail(fmt.Sprintf("peer connection %s", s))
		}
	})
	pc.OnDataChannel(func(dc peer.DataChannel) {
		switch dc.Label() {
		case APIChannelLabel:
			m.adoptAPIChannel(dc)
		case AudioChannelLabel:
			m.adoptAudioChannel(dc)
		default:
			log.Printf("unexpected data channel %q received", dc.Label())
		}
	})

	// Both channels must exist before the offer is created; that is what
	// puts the data media section into the SDP. Creating them afterwards
	// would require renegotiation.
	api, err := pc.CreateDataChannel(APIChannelLabel, true, nil)
	if err != nil {
		log.Printf("failed to create api data channel: %+v", err)
		m.fail("failed to create api data channel")
		return
	}
	var zeroRetransmits uint16
	audio, err := pc.CreateDataChannel(AudioChannelLabel, false, &zeroRetransmits)
	if err != nil {
		log.Printf("failed to create audio data channel: %+v", err)
		m.fail("failed to create audio data channel")
		return
	}
	m.adoptAPIChannel(api)
	m.adoptAudioChannel(audio)

	offer, err := pc.CreateOffer()
	if err != nil {
		log.Printf("failed to create offer: %+v", err)
		m.fail("failed to create offer")
		return
	}
	if err := m.signaling.SendMessage(signaling.NewOffer(rid.String(), sessionID, offer)); err != nil {
		log.Printf("failed to send offer: %+v", err)
		m.fail("failed to send offer")
		return
	}

	m.mu.Lock()
	gathering := m.state == StateNegotiating
	if gathering {
		m.state = StateGathering
	}
	m.mu.Unlock()
	if gathering {
		m.notifyState(StateGathering)
	}
}

// adoptAPIChannel wires the channel whose open state completes the
// connection. The server may replace the client-created channel with its
// own under the same label; the latest adopted channel wins.
func (m *Manager) adoptAPIChannel(dc peer.DataChannel) {
	m.mu.Lock()
	m.apiChannel = dc
	m.mu.Unlock()

	open := func() {
		m.handleAPIChannelOpen(dc)
	}
	dc.OnOpen(open)
	// The channel may have opened before the handler was installed;
	// check the current state eagerly or the transition is missed.
	if dc.IsOpen() {
		open()
	}
}

func (m *Manager) handleAPIChannelOpen(dc peer.DataChannel) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateError || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if m.apiChannel != dc {
		// Superseded by a server-created channel.
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	if m.timer != nil {
		m.timer.Stop()
	}
	m.apiConn = transport.NewDataChannelConn(dc)
	att := m.attempt
	sessionID := m.sessionID
	rid := m.rid
	m.mu.Unlock()

	log.Printf("webrtc session connected (session: %s, remote: %s)", sessionID, rid)
	m.notifyState(StateConnected)
	if att != nil {
		att.deliver(nil)
	}
}

func (m *Manager) adoptAudioChannel(dc peer.DataChannel) {
	m.mu.Lock()
	m.audioChannel = dc
	m.mu.Unlock()

	var once sync.Once
	open := func() {
		once.Do(func() {
			m.notifyAudioReady(dc)
		})
	}
	dc.OnOpen(open)
	if dc.IsOpen() {
		open()
	}
}

// fail transitions to Error and runs full cleanup exactly once, even
// when multiple failure signals arrive concurrently.
func (m *Manager) fail(reason string) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateError {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.reason = reason
	att := m.attempt
	m.attempt = nil
	m.mu.Unlock()

	log.Printf("webrtc connection failed: %s", reason)
	m.cleanup()
	m.notifyState(StateError)
	if att != nil {
		att.deliver(errors.New(reason))
	}
}

func (m *Manager) cleanup() {
	m.tasks.CancelAll()

	m.mu.Lock()
	apiConn := m.apiConn
	api := m.apiChannel
	audio := m.audioChannel
	pc := m.pc
	timer := m.timer
	m.apiConn = nil
	m.apiChannel = nil
	m.audioChannel = nil
	m.pc = nil
	m.timer = nil
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if apiConn != nil {
		if err := apiConn.Close(); err != nil {
			log.Printf("failed to close api conn: %+v", err)
		}
	}
	if api != nil {
		if err := api.Close(); err != nil {
			log.Printf("failed to close api channel: %+v", err)
		}
	}
	if audio != nil {
		if err := audio.Close(); err != nil {
			log.Printf("failed to close audio channel: %+v", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("failed to close peer connection: %+v", err)
		}
	}
	m.signaling.Disconnect()
}

func (m *Manager) notifyState(s State) {
	m.callbackMu.Lock()
	f := m.onStateChange
	m.callbackMu.Unlock()
	if f != nil {
		f(s)
	}
}

func (m *Manager) notifyAudioReady(dc peer.DataChannel) {
	m.callbackMu.Lock()
	f := m.onAudioReady
	m.callbackMu.Unlock()
	if f != nil {
		f(dc)
	}
}
