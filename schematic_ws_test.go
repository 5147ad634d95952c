package schematic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeStreamingTestClient builds a client whose flag checks go over a local
// WebSocket server that answers every context message with the given flags
// payload.
func makeStreamingTestClient(t *testing.T, flagsPayload string) (*Client, *int32, chan []byte) {
	var messageCount int32
	messages := make(chan []byte, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/flags/bootstrap", r.URL.Path)
		require.Equal(t, "test-api-key", r.URL.Query().Get("apiKey"))
		require.Equal(t, "test-api-key", r.Header.Get("X-Schematic-Api-Key"))
		require.Equal(t, clientVersionString, r.Header.Get("X-Schematic-Client-Version"))
		require.Equal(t, "custom-value", r.Header.Get("X-Custom-Header"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			atomic.AddInt32(&messageCount, 1)
			messages <- data
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(flagsPayload))
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:            "test-api-key",
		APIBaseURI:        "http://127.0.0.1:1", // REST must not be reached
		EventsBaseURI:     "http://127.0.0.1:1",
		WebSocketBaseURI:  "ws" + strings.TrimPrefix(server.URL, "http"),
		AdditionalHeaders: http.Header{"X-Custom-Header": {"custom-value"}},
		Storage:           newTestStorage(),
		Loggers:           disabledLoggers(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, &messageCount, messages
}

func TestStreamingCheckFlagBootstrapsAndCaches(t *testing.T) {
	payload := `{"flags": [
		{"flag": "flag-a", "value": true, "reason": "matched rule"},
		{"flag": "flag-b", "value": false, "reason": "no rule matched"}
	]}`
	client, messageCount, messages := makeStreamingTestClient(t, payload)

	require.NoError(t, client.SetContext(context.Background(), testEvalContext()))

	// both flags arrived in the bootstrap payload; no further messages or
	// REST calls are needed
	assert.True(t, client.CheckFlag(context.Background(), CheckFlagParams{Key: "flag-a"}))
	assert.False(t, client.CheckFlag(context.Background(), CheckFlagParams{Key: "flag-b"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(messageCount))

	select {
	case data := <-messages:
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.JSONEq(t, `"test-api-key"`, string(msg["apiKey"]))
		assert.JSONEq(t, testEvalContext().CanonicalString(), string(msg["data"]))
	case <-time.After(time.Second * 3):
		require.Fail(t, "timed out waiting for context message")
	}
}

func TestCheckFlagCacheHitRestartsDroppedStream(t *testing.T) {
	payload := `{"flags": [{"flag": "flag-a", "value": true, "reason": "matched rule"}]}`
	var accepts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&accepts, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(payload))
		if n == 1 {
			_ = conn.Close(websocket.StatusNormalClosure, "going away")
			return
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:                 "test-api-key",
		APIBaseURI:             "http://127.0.0.1:1", // REST must not be reached
		EventsBaseURI:          "http://127.0.0.1:1",
		WebSocketBaseURI:       "ws" + strings.TrimPrefix(server.URL, "http"),
		DisableStreamReconnect: true,
		Storage:                newTestStorage(),
		Loggers:                disabledLoggers(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.SetContext(context.Background(), testEvalContext()))
	require.Eventually(t, func() bool { return !client.stream.Connected() },
		time.Second*3, time.Millisecond*10)

	// the cached value is still served, and the dropped stream is dialed again
	assert.True(t, client.CheckFlag(context.Background(), CheckFlagParams{Key: "flag-a"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&accepts) == 2 },
		time.Second*3, time.Millisecond*10)
	require.Eventually(t, func() bool { return client.stream.Connected() },
		time.Second*3, time.Millisecond*10)
}

func TestStreamingContextChangeRefreshesFlags(t *testing.T) {
	payload := `{"flags": [{"flag": "flag-a", "value": true, "reason": "matched rule"}]}`
	client, messageCount, _ := makeStreamingTestClient(t, payload)

	require.NoError(t, client.SetContext(context.Background(), testEvalContext()))
	assert.Equal(t, int32(1), atomic.LoadInt32(messageCount))

	// same context again is a no-op
	require.NoError(t, client.SetContext(context.Background(), testEvalContext()))
	assert.Equal(t, int32(1), atomic.LoadInt32(messageCount))

	// a different context triggers a new bootstrap
	other := testEvalContext()
	other.User = map[string]string{"id": "user-2"}
	require.NoError(t, client.SetContext(context.Background(), other))
	assert.Equal(t, int32(2), atomic.LoadInt32(messageCount))

	value, ok := client.GetFlagValue("flag-a")
	assert.True(t, ok)
	assert.True(t, value)
}
