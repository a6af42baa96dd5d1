package rpc

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotConnected resolves every request that was in flight when the
// transport went away, and is returned for requests attempted while no
// session is connected.
var ErrNotConnected = errors.New("not connected")

// Callback receives the final, merged response for one request. It is
// invoked exactly once, with either a response or an error.
type Callback func(resp *Response, err error)

// Engine correlates outbound requests to their responses by message id
// and accumulates streamed partial result batches until the final
// message arrives.
type Engine struct {
	mu       sync.Mutex
	pending  map[string]Callback
	partials map[string][]json.RawMessage

	callbackMu    sync.Mutex
	onAuthExpired func()
}

func NewEngine() *Engine {
	return &Engine{
		pending:  make(map[string]Callback),
		partials: make(map[string][]json.RawMessage),
	}
}

// OnAuthExpired installs the side-channel handler fired when a response
// carries the reserved session-expired error code.
func (e *Engine) OnAuthExpired(f func()) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onAuthExpired = f
}

// RegisterCallback stores the pending callback for a message id. Ids are
// generated uniquely by the caller; a duplicate registration is a bug
// upstream and overwrites the previous callback with a warning.
func (e *Engine) RegisterCallback(messageID string, cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[messageID]; ok {
		log.Printf("duplicate callback registered for message id %s, overwriting", messageID)
	}
	e.pending[messageID] = cb
}

// RemoveCallback drops the pending state for a message id, typically
// because the send failed synchronously.
func (e *Engine) RemoveCallback(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, messageID)
	delete(e.partials, messageID)
}

// HandleResponse consumes one inbound message if it is a response
// (carries message_id). Partial batches are accumulated; the final
// message resolves the callback with the concatenation of every batch in
// arrival order followed by its own result.
func (e *Engine) HandleResponse(data []byte) bool {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("failed to unmarshal response: %+v", err)
		return false
	}
	if resp.MessageID == "" {
		return false
	}

	if resp.ErrorCode != nil && *resp.ErrorCode == ErrorCodeSessionExpired {
		e.fireAuthExpired()
	}

	e.mu.Lock()
	cb, ok := e.pending[resp.MessageID]
	if resp.Partial {
		if ok {
			e.partials[resp.MessageID] = append(e.partials[resp.MessageID], resp.Result...)
		}
		// Without a pending callback the request already completed or
		// timed out; the batch is dropped silently.
		e.mu.Unlock()
		return true
	}
	if !ok {
		e.mu.Unlock()
		log.Printf("no pending request for message id %s", resp.MessageID)
		return true
	}
	delete(e.pending, resp.MessageID)
	if acc, exists := e.partials[resp.MessageID]; exists {
		resp.Result = append(acc, resp.Result...)
		delete(e.partials, resp.MessageID)
	}
	e.mu.Unlock()

	cb(&resp, nil)
	return true
}

// Clear resolves every pending callback with ErrNotConnected and drops
// all accumulated partial results. Called on every disconnect so no
// caller is left awaiting a response forever.
func (e *Engine) Clear() {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]Callback)
	e.partials = make(map[string][]json.RawMessage)
	e.mu.Unlock()

	for _, cb := range pending {
		cb(nil, ErrNotConnected)
	}
}

func (e *Engine) fireAuthExpired() {
	e.callbackMu.Lock()
	f := e.onAuthExpired
	e.callbackMu.Unlock()
	if f != nil {
		f()
	}
}
