package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schematichq/schematic-client-go/sdkcontext"
	"github.com/schematichq/schematic-client-go/sdktypes"
)

type appliedFlags struct {
	contextKey string
	flags      []sdktypes.CheckFlagReturn
}

type testSink struct {
	mu      sync.Mutex
	applied []appliedFlags
	flushes int
	flushCh chan struct{}
}

func newTestSink() *testSink {
	return &testSink{flushCh: make(chan struct{}, 10)}
}

func (s *testSink) ApplyFlags(contextKey string, flags []sdktypes.CheckFlagReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, appliedFlags{contextKey, flags})
}

func (s *testSink) FlushEvents() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *testSink) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type wsTestServer struct {
	server   *httptest.Server
	messages chan map[string]json.RawMessage
	accepts  int32
	response []byte

	// when true, each connection is dropped right after its first response
	dropAfterFirst bool
}

func newWSTestServer(t *testing.T) *wsTestServer {
	s := &wsTestServer{
		messages: make(chan map[string]json.RawMessage, 10),
		response: []byte(`{"flags":[{"flag":"test-flag","value":true,"reason":"server rule"}]}`),
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.accepts, 1)
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
			var m map[string]json.RawMessage
			if err := json.Unmarshal(data, &m); err != nil {
				t.Errorf("server received invalid JSON: %s", err)
				return
			}
			s.messages <- m
			_ = conn.Write(r.Context(), websocket.MessageText, s.response)
			if s.dropAfterFirst {
				return
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsTestServer) uri() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *wsTestServer) acceptCount() int {
	return int(atomic.LoadInt32(&s.accepts))
}

func receiveMessage(t *testing.T, s *wsTestServer) map[string]json.RawMessage {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(time.Second * 3):
		require.Fail(t, "timed out waiting for context message")
		return nil
	}
}

func assertNoMessage(t *testing.T, s *wsTestServer) {
	t.Helper()
	select {
	case <-s.messages:
		require.Fail(t, "received unexpected context message")
	case <-time.After(time.Millisecond * 100):
	}
}

func makeStreamProcessor(s *wsTestServer, sink *testSink) *StreamProcessor {
	return NewStreamProcessor(StreamConfig{
		URI:               s.uri(),
		APIKey:            "sdk-key",
		ClientVersion:     "test-client-1.0.0",
		Reconnect:         true,
		InitialRetryDelay: time.Millisecond * 10,
		MaxRetryDelay:     time.Millisecond * 50,
		Loggers:           ldlog.NewDisabledLoggers(),
	}, sink)
}

func basicContext() sdkcontext.Context {
	return sdkcontext.Context{Company: map[string]string{"id": "c1"}}
}

func TestStreamSendsContextAndAppliesFlags(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	evalCtx := basicContext()
	require.NoError(t, sp.SetContext(context.Background(), evalCtx))

	msg := receiveMessage(t, server)
	assert.JSONEq(t, `"sdk-key"`, string(msg["apiKey"]))
	assert.JSONEq(t, `"test-client-1.0.0"`, string(msg["clientVersion"]))
	assert.JSONEq(t, evalCtx.CanonicalString(), string(msg["data"]))

	// the flags were merged before SetContext returned
	require.Equal(t, 1, sink.appliedCount())
	assert.Equal(t, evalCtx.CanonicalString(), sink.applied[0].contextKey)
	require.Len(t, sink.applied[0].flags, 1)
	assert.Equal(t, "test-flag", sink.applied[0].flags[0].Flag)
	assert.True(t, sink.applied[0].flags[0].Value)
	assert.True(t, sp.Connected())
}

func TestStreamUnchangedContextIsNoOp(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	require.NoError(t, sp.SetContext(context.Background(), basicContext()))
	receiveMessage(t, server)

	require.NoError(t, sp.SetContext(context.Background(), basicContext()))
	assertNoMessage(t, server)
	assert.Equal(t, 1, server.acceptCount())
}

func TestStreamChangedContextIsResent(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	require.NoError(t, sp.SetContext(context.Background(), basicContext()))
	receiveMessage(t, server)

	other := sdkcontext.Context{Company: map[string]string{"id": "c2"}}
	require.NoError(t, sp.SetContext(context.Background(), other))
	msg := receiveMessage(t, server)
	assert.JSONEq(t, other.CanonicalString(), string(msg["data"]))
	assert.Equal(t, 1, server.acceptCount())
}

func TestStreamConcurrentCallsShareOneConnection(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	// drain server messages so concurrent sends don't block on the channel
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-server.messages:
			case <-done:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sp.SetContext(context.Background(), basicContext())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, server.acceptCount())
}

func TestStreamReconnectsAndResendsContext(t *testing.T) {
	server := newWSTestServer(t)
	server.dropAfterFirst = true
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	evalCtx := basicContext()
	require.NoError(t, sp.SetContext(context.Background(), evalCtx))
	receiveMessage(t, server)

	// server dropped the connection; the context is re-sent on a fresh one
	// without any SetContext call
	msg := receiveMessage(t, server)
	assert.JSONEq(t, evalCtx.CanonicalString(), string(msg["data"]))
	assert.GreaterOrEqual(t, server.acceptCount(), 2)

	select {
	case <-sink.flushCh:
	case <-time.After(time.Second * 3):
		require.Fail(t, "timed out waiting for event flush after reconnect")
	}
}

func TestStreamDoesNotReconnectAfterClose(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)

	require.NoError(t, sp.SetContext(context.Background(), basicContext()))
	receiveMessage(t, server)
	require.NoError(t, sp.Close())

	time.Sleep(time.Millisecond * 200)
	assert.Equal(t, 1, server.acceptCount())
	assert.False(t, sp.Connected())

	assert.Equal(t, ErrStreamClosed, sp.SetContext(context.Background(), basicContext()))
}

func TestStreamNetworkLossAndRecovery(t *testing.T) {
	server := newWSTestServer(t)
	sink := newTestSink()
	sp := makeStreamProcessor(server, sink)
	defer sp.Close()

	evalCtx := basicContext()
	require.NoError(t, sp.SetContext(context.Background(), evalCtx))
	receiveMessage(t, server)

	sp.SetNetworkAvailable(false)
	time.Sleep(time.Millisecond * 200)
	assert.False(t, sp.Connected())
	assert.Equal(t, 1, server.acceptCount())

	sp.SetNetworkAvailable(true)
	msg := receiveMessage(t, server)
	assert.JSONEq(t, evalCtx.CanonicalString(), string(msg["data"]))
	assert.Equal(t, 2, server.acceptCount())

	select {
	case <-sink.flushCh:
	case <-time.After(time.Second * 3):
		require.Fail(t, "timed out waiting for event flush after network recovery")
	}
}

func TestStreamDialFailureIsReturned(t *testing.T) {
	// plain HTTP server that refuses the upgrade
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := newTestSink()
	sp := NewStreamProcessor(StreamConfig{
		URI:       "ws" + strings.TrimPrefix(server.URL, "http"),
		APIKey:    "sdk-key",
		Reconnect: false,
		Loggers:   ldlog.NewDisabledLoggers(),
	}, sink)
	defer sp.Close()

	err := sp.SetContext(context.Background(), basicContext())
	require.Error(t, err)
	assert.False(t, sp.Connected())
	assert.Equal(t, 0, sink.appliedCount())
}
