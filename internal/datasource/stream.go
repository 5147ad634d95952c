package datasource

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/schematichq/schematic-client-go/internal/endpoints"
	"github.com/schematichq/schematic-client-go/sdkcontext"
	"github.com/schematichq/schematic-client-go/sdktypes"

	"golang.org/x/sync/singleflight"
)

// Implementation of the WebSocket evaluation path. Error handling works as
// follows:
// 1. A malformed flags message is logged and skipped; the connection stays up
// (the server may interleave well-formed messages).
// 2. An unexpected close (anything other than Close, or the network going
// away) schedules a reconnect with exponential backoff and jitter, up to the
// attempt cap; past the cap the processor stays disconnected until an
// external trigger (network regained, a new SetContext call) restarts the
// cycle.
// 3. Dial and context-send failures are returned to the caller, which is
// expected to fall back to the REST path for the in-progress check.

const (
	// DefaultConnectTimeout bounds the WebSocket dial and the wait for the
	// first flags message after a context send.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxReconnectAttempts is how many times an unexpectedly closed
	// connection is retried before giving up permanently.
	DefaultMaxReconnectAttempts = 7
	// DefaultInitialRetryDelay seeds the reconnect backoff.
	DefaultInitialRetryDelay = 1 * time.Second
	// DefaultMaxRetryDelay caps the reconnect backoff before jitter.
	DefaultMaxRetryDelay = 30 * time.Second

	streamJitterRatio = 0.5
	maxMessageSize    = 1 << 20

	streamingErrorContext     = "in stream connection"
	streamingWillRetryMessage = "will retry"
)

// ErrStreamClosed is returned by SetContext after Close.
var ErrStreamClosed = errors.New("stream processor has been closed")

// UpdateSink receives the effects of stream activity. It is implemented by
// the client, which owns the flag cache and the event subsystem.
type UpdateSink interface {
	// ApplyFlags merges flags pushed for the given canonical context key into
	// client state and notifies listeners.
	ApplyFlags(contextKey string, flags []sdktypes.CheckFlagReturn)
	// FlushEvents asks the event subsystem to retry queued deliveries; called
	// after a successful reconnect and when the network comes back.
	FlushEvents()
}

// StreamConfig describes the configuration for the stream processor.
type StreamConfig struct {
	URI                  string
	APIKey               string
	ClientVersion        string
	HTTPClient           *http.Client
	Headers              http.Header
	ConnectTimeout       time.Duration
	Reconnect            bool
	MaxReconnectAttempts int
	InitialRetryDelay    time.Duration
	MaxRetryDelay        time.Duration
	Loggers              ldlog.Loggers
}

// StreamProcessor maintains at most one WebSocket connection to the flag
// bootstrap endpoint, correlates context sends with their first response, and
// manages reconnection.
type StreamProcessor struct {
	cfg     StreamConfig
	uri     string
	loggers ldlog.Loggers
	sink    UpdateSink

	// collapses concurrent connection attempts into one dial
	connectGroup singleflight.Group

	// serializes context sends so each one owns the response slot until its
	// first flags message arrives
	sendLock sync.Mutex

	lock              sync.Mutex
	conn              *websocket.Conn
	lastContext       *sdkcontext.Context
	pendingResponse   chan struct{}
	reconnectTimer    *time.Timer
	reconnectAttempts int
	intentionalClose  bool
	networkDown       bool
	closed            bool
}

// NewStreamProcessor creates a stream processor; no connection is made until
// the first SetContext call.
func NewStreamProcessor(cfg StreamConfig, sink UpdateSink) *StreamProcessor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	sp := &StreamProcessor{
		cfg:     cfg,
		loggers: cfg.Loggers,
		sink:    sink,
	}
	sp.loggers.SetPrefix("StreamProcessor:")
	sp.uri = endpoints.AddPath(cfg.URI, endpoints.WebSocketRequestPath) +
		"?" + url.Values{"apiKey": {cfg.APIKey}}.Encode()
	return sp
}

// Connected reports whether a live connection exists.
func (sp *StreamProcessor) Connected() bool {
	sp.lock.Lock()
	defer sp.lock.Unlock()
	return sp.conn != nil
}

// SetContext establishes a connection if needed, sends the context, and
// blocks until the first flags message for this send has been merged. Sending
// an unchanged context over a live connection is a no-op.
func (sp *StreamProcessor) SetContext(ctx context.Context, evalCtx sdkcontext.Context) error {
	sp.lock.Lock()
	if sp.closed {
		sp.lock.Unlock()
		return ErrStreamClosed
	}
	if sp.conn != nil && sp.lastContext != nil && sp.lastContext.Equal(evalCtx) {
		sp.lock.Unlock()
		return nil
	}
	// connect immediately rather than waiting out a scheduled reconnect
	sp.cancelReconnectTimerLocked()
	sp.lock.Unlock()

	conn, err := sp.ensureConnection(ctx)
	if err != nil {
		return err
	}
	return sp.sendContext(ctx, conn, evalCtx)
}

// SetNetworkAvailable tells the processor about network loss or recovery.
// Loss closes the socket proactively (without marking an intentional
// disconnect) and cancels any scheduled reconnect, so no stale retry races a
// resumed network. Recovery resets the attempt counter, flushes queued
// events, and reconnects immediately.
func (sp *StreamProcessor) SetNetworkAvailable(available bool) {
	if !available {
		sp.lock.Lock()
		sp.networkDown = true
		sp.cancelReconnectTimerLocked()
		conn := sp.conn
		sp.lock.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "network unavailable")
		}
		return
	}
	sp.lock.Lock()
	sp.networkDown = false
	sp.reconnectAttempts = 0
	sp.cancelReconnectTimerLocked()
	closed := sp.closed
	sp.lock.Unlock()
	if closed {
		return
	}
	sp.sink.FlushEvents()
	go sp.reconnect()
}

// Close tears the connection down intentionally; the processor will not
// reconnect afterwards.
func (sp *StreamProcessor) Close() error {
	sp.lock.Lock()
	if sp.closed {
		sp.lock.Unlock()
		return nil
	}
	sp.closed = true
	sp.intentionalClose = true
	sp.cancelReconnectTimerLocked()
	conn := sp.conn
	sp.conn = nil
	sp.lock.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "cleanup")
	}
	return nil
}

func (sp *StreamProcessor) ensureConnection(ctx context.Context) (*websocket.Conn, error) {
	sp.lock.Lock()
	if conn := sp.conn; conn != nil {
		sp.lock.Unlock()
		return conn, nil
	}
	sp.lock.Unlock()

	v, err, _ := sp.connectGroup.Do("connect", func() (interface{}, error) {
		// another caller may have finished connecting while we waited
		sp.lock.Lock()
		if conn := sp.conn; conn != nil {
			sp.lock.Unlock()
			return conn, nil
		}
		sp.lock.Unlock()
		return sp.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

func (sp *StreamProcessor) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, sp.cfg.ConnectTimeout)
	defer cancel()
	sp.loggers.Info("Connecting to flag bootstrap stream")
	conn, _, err := websocket.Dial(dialCtx, sp.uri, &websocket.DialOptions{
		HTTPClient: sp.cfg.HTTPClient,
		HTTPHeader: sp.cfg.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("error %s: %w", streamingErrorContext, err)
	}
	conn.SetReadLimit(maxMessageSize)

	sp.lock.Lock()
	sp.conn = conn
	sp.reconnectAttempts = 0
	sp.intentionalClose = false
	sp.lock.Unlock()

	sp.loggers.Info("Flag bootstrap stream is active")
	go sp.readLoop(conn)
	return conn, nil
}

// sendContext writes the context message and blocks until the read loop has
// processed exactly one response for it. Always sends, even if the context is
// unchanged; the unchanged-context short-circuit lives in SetContext so that
// reconnection can bypass it (the server has lost all state).
func (sp *StreamProcessor) sendContext(ctx context.Context, conn *websocket.Conn, evalCtx sdkcontext.Context) error {
	sp.sendLock.Lock()
	defer sp.sendLock.Unlock()

	received := make(chan struct{})
	sp.lock.Lock()
	stored := evalCtx
	sp.lastContext = &stored
	sp.pendingResponse = received
	sp.lock.Unlock()

	msg := buildContextMessage(sp.cfg.APIKey, sp.cfg.ClientVersion, evalCtx)
	sendCtx, cancel := context.WithTimeout(ctx, sp.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Write(sendCtx, websocket.MessageText, msg); err != nil {
		sp.clearPending(received)
		return fmt.Errorf("error sending context %s: %w", streamingErrorContext, err)
	}
	select {
	case <-received:
		return nil
	case <-sendCtx.Done():
		sp.clearPending(received)
		return fmt.Errorf("timed out waiting for flags: %w", sendCtx.Err())
	}
}

func (sp *StreamProcessor) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			sp.handleClose(conn, err)
			return
		}
		flags, parseErr := sdktypes.ParseFlagsMessage(data)
		if parseErr != nil {
			sp.loggers.Errorf("Received malformed flags message (%s); skipping", parseErr)
			continue
		}
		sp.lock.Lock()
		contextKey := ""
		if sp.lastContext != nil {
			contextKey = sp.lastContext.CanonicalString()
		}
		pending := sp.pendingResponse
		sp.pendingResponse = nil
		sp.lock.Unlock()

		// merge before resolving, so a waiting SetContext observes the flags
		sp.sink.ApplyFlags(contextKey, flags)
		if pending != nil {
			close(pending)
		}
	}
}

func (sp *StreamProcessor) handleClose(conn *websocket.Conn, err error) {
	sp.lock.Lock()
	if sp.conn == conn {
		sp.conn = nil
	}
	intentional := sp.intentionalClose || sp.closed
	shouldReconnect := sp.cfg.Reconnect && !intentional && !sp.networkDown
	sp.lock.Unlock()

	if intentional {
		sp.loggers.Debug("Stream connection closed")
		return
	}
	sp.loggers.Warnf("Stream connection closed unexpectedly: %s", err)
	if shouldReconnect {
		sp.lock.Lock()
		sp.scheduleReconnectLocked()
		sp.lock.Unlock()
	}
}

func (sp *StreamProcessor) scheduleReconnectLocked() {
	if sp.reconnectTimer != nil || sp.closed {
		return // at most one scheduled reconnect
	}
	if sp.reconnectAttempts >= sp.cfg.MaxReconnectAttempts {
		sp.loggers.Errorf("Giving up on stream reconnection after %d attempts", sp.reconnectAttempts)
		return
	}
	delay := sp.cfg.InitialRetryDelay << sp.reconnectAttempts
	if delay > sp.cfg.MaxRetryDelay {
		delay = sp.cfg.MaxRetryDelay
	}
	delay += time.Duration(rand.Int63n(int64(float64(delay)*streamJitterRatio) + 1))
	sp.loggers.Warnf("Will attempt stream reconnection in %s (attempt %d of %d)",
		delay, sp.reconnectAttempts+1, sp.cfg.MaxReconnectAttempts)
	sp.reconnectTimer = time.AfterFunc(delay, sp.attemptReconnect)
}

func (sp *StreamProcessor) attemptReconnect() {
	sp.lock.Lock()
	sp.reconnectTimer = nil
	if sp.closed || sp.networkDown {
		sp.lock.Unlock()
		return
	}
	sp.reconnectAttempts++
	sp.lock.Unlock()
	sp.reconnect()
}

// reconnect dials, force re-sends the current context if one is set (the
// server has lost all state for this connection), and flushes queued events.
func (sp *StreamProcessor) reconnect() {
	conn, err := sp.ensureConnection(context.Background())
	if err != nil {
		checkIfErrorIsRecoverableAndLog(sp.loggers, err.Error(), streamingErrorContext, 0, streamingWillRetryMessage)
		sp.lock.Lock()
		sp.scheduleReconnectLocked()
		sp.lock.Unlock()
		return
	}
	sp.lock.Lock()
	var last *sdkcontext.Context
	if sp.lastContext != nil {
		stored := *sp.lastContext
		last = &stored
	}
	sp.lock.Unlock()
	if last != nil {
		if err := sp.sendContext(context.Background(), conn, *last); err != nil {
			sp.loggers.Warnf("Error re-sending context after reconnect: %s", err)
		}
	}
	sp.sink.FlushEvents()
}

func (sp *StreamProcessor) clearPending(ch chan struct{}) {
	sp.lock.Lock()
	defer sp.lock.Unlock()
	if sp.pendingResponse == ch {
		sp.pendingResponse = nil
	}
}

func (sp *StreamProcessor) cancelReconnectTimerLocked() {
	if sp.reconnectTimer != nil {
		sp.reconnectTimer.Stop()
		sp.reconnectTimer = nil
	}
}

func buildContextMessage(apiKey, clientVersion string, evalCtx sdkcontext.Context) []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("apiKey").String(apiKey)
	obj.Name("clientVersion").String(clientVersion)
	evalCtx.WriteToJSONWriter(obj.Name("data"))
	obj.End()
	return w.Bytes()
}
