package signaling

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
)

// typeRegisterRemote is a server-side extension of the protocol: media
// servers announce themselves under their remote id before clients can
// reach them. Clients never send or receive it.
const typeRegisterRemote = "register-remote"

const defaultPingInterval = 30 * time.Second

// Server is a signaling relay. Media servers register under their remote
// id; clients send connect-request and get a session, after which offers,
// answers and ICE candidates are relayed between the two sockets. When
// either side drops, the other receives peer-disconnected.
//
// This is the development/test counterpart of the production cloud
// service; both speak the same wire protocol.
type Server struct {
	iceServers   []peer.ICEServer
	pingInterval time.Duration

	mu       sync.Mutex
	remotes  map[string]*peerSocket
	sessions map[string]*relaySession
}

type relaySession struct {
	id     string
	client *peerSocket
	remote *peerSocket
}

// peerSocket serializes writes to one websocket.
type peerSocket struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peerSocket) send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.JSON.Send(p.ws, v)
}

func NewServer(iceServers []peer.ICEServer) *Server {
	return &Server{
		iceServers:   iceServers,
		pingInterval: defaultPingInterval,
		remotes:      make(map[string]*peerSocket),
		sessions:     make(map[string]*relaySession),
	}
}

// WebSocketHandler serves one signaling connection, client or remote.
func (s *Server) WebSocketHandler() websocket.Handler {
	return func(ws *websocket.Conn) {
		s.serveConn(ws)
	}
}

func (s *Server) serveConn(ws *websocket.Conn) {
	sock := &peerSocket{ws: ws}
	done := make(chan struct{})
	defer close(done)
	defer s.dropSocket(sock)
	go s.pingLoop(sock, done)

	for {
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if err != io.EOF {
				log.Printf("signaling server receive failed: %+v", err)
			}
			return
		}
		s.handleMessage(sock, &msg)
	}
}

func (s *Server) pingLoop(sock *peerSocket, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sock.send(&PingPong{Type: TypePing}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(sock *peerSocket, msg *Message) {
	switch msg.Type {
	case TypePong:
		// Keepalive answer, nothing to do.

	case TypeConnectRequest:
		var req ConnectRequest
		if err := msg.Decode(&req); err != nil {
			log.Printf("failed to decode connect-request: %+v", err)
			return
		}
		s.handleConnectRequest(sock, req.RemoteID)

	case TypeOffer:
		var offer Offer
		if err := msg.Decode(&offer); err != nil {
			log.Printf("failed to decode offer: %+v", err)
			return
		}
		s.forward(sock, offer.SessionID, &offer)

	case TypeAnswer:
		var answer AnswerPayload
		if err := msg.Decode(&answer); err != nil {
			log.Printf("failed to decode answer: %+v", err)
			return
		}
		s.forward(sock, answer.SessionID, &struct {
			Type MessageType `json:"type"`
			AnswerPayload
		}{Type: TypeAnswer, AnswerPayload: answer})

	case TypeICECandidate:
		var candidate Candidate
		if err := msg.Decode(&candidate); err != nil {
			log.Printf("failed to decode ice-candidate: %+v", err)
			return
		}
		s.forward(sock, candidate.SessionID, &candidate)

	case TypeUnknown:
		if msg.RawType == typeRegisterRemote {
			var reg struct {
				RemoteID string `json:"remoteId"`
			}
			if err := msg.Decode(&reg); err != nil {
				log.Printf("failed to decode register-remote: %+v", err)
				return
			}
			s.registerRemote(sock, reg.RemoteID)
			return
		}
		log.Printf("unknown signaling message type received: %s", msg.RawType)

	default:
		log.Printf("unexpected signaling message type received: %s", msg.Type)
	}
}

func (s *Server) registerRemote(sock *peerSocket, remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[remoteID] = sock
	log.Printf("remote registered: %s", remoteID)
}

func (s *Server) handleConnectRequest(client *peerSocket, remoteID string) {
	s.mu.Lock()
	remote, ok := s.remotes[remoteID]
	if !ok {
		s.mu.Unlock()
		if err := client.send(&struct {
			Type  MessageType `json:"type"`
			Error string      `json:"error"`
		}{Type: TypeError, Error: "unknown remote id"}); err != nil {
			log.Printf("failed to send signaling error: %+v", err)
		}
		return
	}
	sid := uuid.Must(uuid.NewRandom()).String()
	s.sessions[sid] = &relaySession{id: sid, client: client, remote: remote}
	s.mu.Unlock()

	log.Printf("signaling session created: %s (remote: %s)", sid, remoteID)
	if err := client.send(&struct {
		Type MessageType `json:"type"`
		ConnectedPayload
	}{Type: TypeConnected, ConnectedPayload: ConnectedPayload{SessionID: sid, ICEServers: s.iceServers}}); err != nil {
		log.Printf("failed to send connected: %+v", err)
	}
}

// forward relays a message to the session participant that did not send
// it.
func (s *Server) forward(from *peerSocket, sessionID string, v interface{}) {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		log.Printf("signaling session not found: %s", sessionID)
		return
	}
	to := ss.remote
	if from == ss.remote {
		to = ss.client
	}
	if err := to.send(v); err != nil {
		log.Printf("failed to relay signaling message: %+v", err)
	}
}

// dropSocket tears down everything the disconnected socket participated
// in and notifies the surviving side of each session.
func (s *Server) dropSocket(sock *peerSocket) {
	s.mu.Lock()
	for id, remote := range s.remotes {
		if remote == sock {
			delete(s.remotes, id)
			log.Printf("remote unregistered: %s", id)
		}
	}
	var notify []*relaySession
	for sid, ss := range s.sessions {
		if ss.client == sock || ss.remote == sock {
			delete(s.sessions, sid)
			notify = append(notify, ss)
		}
	}
	s.mu.Unlock()

	for _, ss := range notify {
		other := ss.remote
		if ss.remote == sock {
			other = ss.client
		}
		if err := other.send(&struct {
			Type MessageType `json:"type"`
			PeerDisconnectedPayload
		}{Type: TypePeerDisconnected, PeerDisconnectedPayload: PeerDisconnectedPayload{SessionID: ss.id}}); err != nil {
			log.Printf("failed to send peer-disconnected: %+v", err)
		}
	}
}
