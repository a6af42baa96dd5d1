// Package testutils hosts in-process stand-ins for the remote media
// server, shared by tests across packages.
package testutils

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/net/websocket"
)

// RPCHandler produces the response body for one command. The returned
// map is merged with the request's message_id and sent back; returning
// nil sends a bare success.
type RPCHandler func(req map[string]interface{}) map[string]interface{}

// MediaServer speaks the media-control RPC wire protocol over a
// WebSocket mounted at /ws, the same path a real server uses.
type MediaServer struct {
	mu       sync.Mutex
	handlers map[string]RPCHandler
	conns    []*websocket.Conn
	srv      *httptest.Server
}

func NewMediaServer() *MediaServer {
	s := &MediaServer{handlers: make(map[string]RPCHandler)}
	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.Handler(s.serve))
	s.srv = httptest.NewServer(mux)
	return s
}

// Handle registers the handler invoked for a command.
func (s *MediaServer) Handle(command string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Host and Port locate the test server for transport configuration.
func (s *MediaServer) Host() string {
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		panic(err)
	}
	return u.Hostname()
}

func (s *MediaServer) Port() int {
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		panic(err)
	}
	return port
}

// Push broadcasts a server-initiated message to every connected client.
func (s *MediaServer) Push(v interface{}) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, ws := range conns {
		if err := websocket.JSON.Send(ws, v); err != nil {
			log.Printf("testutils: failed to push: %+v", err)
		}
	}
}

// DropClients closes every client connection, simulating transport loss.
func (s *MediaServer) DropClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

func (s *MediaServer) Close() {
	s.DropClients()
	s.srv.Close()
}

func (s *MediaServer) serve(ws *websocket.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()

	for {
		var req map[string]interface{}
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			return
		}
		id, _ := req["message_id"].(string)
		command, _ := req["command"].(string)
		if id == "" || command == "" {
			continue
		}

		s.mu.Lock()
		h := s.handlers[command]
		s.mu.Unlock()

		resp := map[string]interface{}{}
		if h != nil {
			if body := h(req); body != nil {
				resp = body
			}
		}
		resp["message_id"] = id
		data, err := json.Marshal(resp)
		if err != nil {
			log.Printf("testutils: failed to marshal response: %+v", err)
			continue
		}
		if err := websocket.Message.Send(ws, string(data)); err != nil {
			return
		}
	}
}
