package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rawStrings(t *testing.T, result []json.RawMessage) []string {
	t.Helper()
	var out []string
	for _, r := range result {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			t.Fatalf("result item is not a string: %s", r)
		}
		out = append(out, s)
	}
	return out
}

func TestEnginePartialBatchesMerge(t *testing.T) {
	e := NewEngine()
	var got *Response
	calls := 0
	e.RegisterCallback("42", func(resp *Response, err error) {
		assert.NoError(t, err)
		got = resp
		calls++
	})

	assert.True(t, e.HandleResponse([]byte(`{"message_id":"42","partial":true,"result":["a","b"]}`)))
	assert.Nil(t, got, "partial batch must not resolve the callback")

	assert.True(t, e.HandleResponse([]byte(`{"message_id":"42","result":["c"]}`)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"a", "b", "c"}, rawStrings(t, got.Result))
}

func TestEngineManyPartialBatchesInArrivalOrder(t *testing.T) {
	e := NewEngine()
	var got *Response
	e.RegisterCallback("7", func(resp *Response, err error) { got = resp })

	e.HandleResponse([]byte(`{"message_id":"7","partial":true,"result":["1","2"]}`))
	e.HandleResponse([]byte(`{"message_id":"7","partial":true,"result":["3"]}`))
	e.HandleResponse([]byte(`{"message_id":"7","partial":true,"result":[]}`))
	e.HandleResponse([]byte(`{"message_id":"7","result":["4","5"]}`))

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, rawStrings(t, got.Result))
}

func TestEngineFinalWithoutPartials(t *testing.T) {
	e := NewEngine()
	var got *Response
	e.RegisterCallback("1", func(resp *Response, err error) { got = resp })

	assert.True(t, e.HandleResponse([]byte(`{"message_id":"1","result":["only"]}`)))
	assert.Equal(t, []string{"only"}, rawStrings(t, got.Result))
}

func TestEnginePartialWithoutPendingDroppedSilently(t *testing.T) {
	e := NewEngine()
	assert.True(t, e.HandleResponse([]byte(`{"message_id":"gone","partial":true,"result":["x"]}`)))
}

func TestEngineNonResponseNotConsumed(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.HandleResponse([]byte(`{"event":"queue_updated"}`)))
	assert.False(t, e.HandleResponse([]byte(`not json`)))
}

func TestEngineRemoveCallback(t *testing.T) {
	e := NewEngine()
	called := false
	e.RegisterCallback("5", func(resp *Response, err error) { called = true })
	e.RemoveCallback("5")

	e.HandleResponse([]byte(`{"message_id":"5","result":[]}`))
	assert.False(t, called)
}

func TestEngineClearResolvesAllAsNotConnected(t *testing.T) {
	e := NewEngine()
	errs := make(chan error, 2)
	e.RegisterCallback("a", func(resp *Response, err error) { errs <- err })
	e.RegisterCallback("b", func(resp *Response, err error) { errs <- err })

	e.Clear()

	assert.Equal(t, ErrNotConnected, <-errs)
	assert.Equal(t, ErrNotConnected, <-errs)

	// Cleared state: a late final response resolves nothing.
	e.HandleResponse([]byte(`{"message_id":"a","result":["late"]}`))
	select {
	case err := <-errs:
		t.Fatalf("callback resolved twice: %v", err)
	default:
	}
}

func TestEngineAuthExpirySignal(t *testing.T) {
	e := NewEngine()
	fired := 0
	e.OnAuthExpired(func() { fired++ })

	var got *Response
	e.RegisterCallback("9", func(resp *Response, err error) { got = resp })
	e.HandleResponse([]byte(`{"message_id":"9","error_code":401,"error":"session expired"}`))

	assert.Equal(t, 1, fired)
	// The response still resolves normally; auth expiry is a side channel.
	serr, ok := got.Err().(*ServerError)
	if !ok {
		t.Fatalf("expected ServerError, got %v", got.Err())
	}
	assert.True(t, serr.SessionExpired())
}

func TestRequestMarshalFlattensArgs(t *testing.T) {
	req := &Request{
		MessageID: "42",
		Command:   "players/queue",
		Args:      map[string]interface{}{"player_id": "p1", "limit": 500},
	}
	b, err := json.Marshal(req)
	assert.NoError(t, err)

	var m map[string]interface{}
	assert.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "42", m["message_id"])
	assert.Equal(t, "players/queue", m["command"])
	assert.Equal(t, "p1", m["player_id"])
	assert.Equal(t, float64(500), m["limit"])
}
