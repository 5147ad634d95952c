// Package events implements the analytics event delivery subsystem: envelope
// construction, immediate delivery, and the bounded retry queue with capped
// exponential backoff. It is the single funnel to the network for identify,
// track, and flag_check events.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/schematichq/schematic-client-go/internal/endpoints"
	"github.com/schematichq/schematic-client-go/sdkcontext"
	"github.com/schematichq/schematic-client-go/sdktypes"
)

const (
	// DefaultMaxQueueSize is the retry queue capacity when none is configured.
	DefaultMaxQueueSize = 100
	// DefaultMaxRetries is how many delivery retries an event gets by default.
	DefaultMaxRetries = 3
	// DefaultRetryInitialDelay seeds the exponential backoff between retries.
	DefaultRetryInitialDelay = 1 * time.Second
	// DefaultRetryMaxDelay caps the backoff. Event retry delays are capped,
	// not jittered; only the WebSocket reconnect backoff is jittered.
	DefaultRetryMaxDelay = 30 * time.Second
	// DefaultRetryCheckInterval is how often the retry queue is scanned.
	DefaultRetryCheckInterval = 5 * time.Second

	requestTimeout = 5 * time.Second
	anonymousIDKey = "schematicId"
)

// Storage persists small string values across client instances; the
// dispatcher uses it for the stable anonymous tracker id.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
}

// DispatcherConfig holds everything the dispatcher needs; zero fields get
// the package defaults.
type DispatcherConfig struct {
	APIKey             string
	ClientVersion      string
	EventsURI          string
	HTTPClient         *http.Client
	Headers            http.Header
	Loggers            ldlog.Loggers
	MaxQueueSize       int
	MaxRetries         int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryCheckInterval time.Duration
	Offline            bool
	Storage            Storage
	// ContextProvider returns the client's current evaluation context, used
	// to backfill track events that did not name a subject themselves.
	ContextProvider func() (sdkcontext.Context, bool)
}

// Dispatcher builds, sends, queues, and retries analytics events.
type Dispatcher struct {
	cfg     DispatcherConfig
	uri     string
	loggers ldlog.Loggers

	lock          sync.Mutex
	retryQueue    []*sdktypes.Event
	pendingTracks []sdktypes.EventBodyTrack
	retryLoopHalt chan struct{}
	anonymousID   string
	closed        bool

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher. It performs no I/O until an event is
// handled.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.RetryCheckInterval <= 0 {
		cfg.RetryCheckInterval = DefaultRetryCheckInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Storage == nil {
		cfg.Storage = NewDefaultStorage(cfg.Loggers)
	}
	d := &Dispatcher{
		cfg:     cfg,
		uri:     endpoints.AddPath(cfg.EventsURI, endpoints.EventsRequestPath),
		loggers: cfg.Loggers,
	}
	d.loggers.SetPrefix("EventDispatcher:")
	return d
}

// Identify sends an identify event.
func (d *Dispatcher) Identify(body sdktypes.EventBodyIdentify) {
	d.handleEvent(sdktypes.EventTypeIdentify, body)
}

// Track sends a track event. If neither the body nor the client currently
// has identifying context, the event is held in the context-dependent queue
// until identity is established.
func (d *Dispatcher) Track(body sdktypes.EventBodyTrack) {
	if body.Quantity == 0 {
		body.Quantity = 1
	}
	if !body.HasIdentity() {
		current, ok := d.currentContext()
		if !ok {
			d.lock.Lock()
			closed := d.closed
			if !closed {
				d.pendingTracks = append(d.pendingTracks, body)
			}
			d.lock.Unlock()
			if !closed {
				d.loggers.Debugf("No context for track event %q; queued until identity is established", body.Event)
			}
			return
		}
		body.Company = current.Company
		body.User = current.User
	}
	d.handleEvent(sdktypes.EventTypeTrack, body)
}

// FlagCheck sends a flag_check event.
func (d *Dispatcher) FlagCheck(body sdktypes.EventBodyFlagCheck) {
	d.handleEvent(sdktypes.EventTypeFlagCheck, body)
}

// FlushPendingTracks drains the context-dependent queue, backfilling each
// event's company/user from the now-known context and refreshing its
// timestamp. Called when identity is first established.
func (d *Dispatcher) FlushPendingTracks() {
	d.lock.Lock()
	pending := d.pendingTracks
	d.pendingTracks = nil
	d.lock.Unlock()
	if len(pending) == 0 {
		return
	}
	current, ok := d.currentContext()
	for _, body := range pending {
		if ok && !body.HasIdentity() {
			body.Company = current.Company
			body.User = current.User
		}
		d.handleEvent(sdktypes.EventTypeTrack, body)
	}
}

// FlushRetryQueue attempts immediate redelivery of every queued event,
// regardless of its scheduled retry time. Called after a stream reconnect or
// when the network comes back.
func (d *Dispatcher) FlushRetryQueue() {
	d.lock.Lock()
	queued := d.retryQueue
	d.retryQueue = nil
	d.lock.Unlock()
	for _, e := range queued {
		if err := d.sendEvent(*e); err != nil {
			d.retryLater(e, err)
		}
	}
}

// Close flushes both queues best-effort and stops the retry timer. The
// dispatcher accepts no new events afterwards.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.inflight.Wait()
		d.FlushPendingTracks()
		d.inflight.Wait()
		d.lock.Lock()
		d.closed = true
		if d.retryLoopHalt != nil {
			close(d.retryLoopHalt)
			d.retryLoopHalt = nil
		}
		queued := d.retryQueue
		d.retryQueue = nil
		d.lock.Unlock()
		for _, e := range queued {
			_ = d.sendEvent(*e) // best effort, no requeue after close
		}
	})
	return nil
}

// QueuedRetryCount returns the current retry queue length.
func (d *Dispatcher) QueuedRetryCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.retryQueue)
}

func (d *Dispatcher) handleEvent(eventType sdktypes.EventType, body any) {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	d.inflight.Add(1)
	d.lock.Unlock()

	event := sdktypes.Event{
		APIKey:         d.cfg.APIKey,
		Body:           body,
		SentAt:         time.Now(),
		TrackerEventID: uuid.NewString(),
		TrackerUserID:  d.getAnonymousID(),
		Type:           eventType,
	}
	go func() {
		defer d.inflight.Done()
		if err := d.sendEvent(event); err != nil {
			d.retryLater(&event, err)
		}
	}()
}

func (d *Dispatcher) sendEvent(event sdktypes.Event) error {
	if d.cfg.Offline {
		d.loggers.Debugf("Offline mode, dropping %s event", event.Type)
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.loggers.Errorf("Unexpected error marshalling event json: %+v", err)
		return nil // not deliverable, not retryable
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", d.uri, bytes.NewReader(payload))
	if err != nil {
		d.loggers.Errorf("Unexpected error while creating event request: %+v", err)
		return nil
	}
	for k, vv := range d.cfg.Headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Schematic-Client-Version", d.cfg.ClientVersion)

	resp, err := d.cfg.HTTPClient.Do(req)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d sending %s event", resp.StatusCode, event.Type)
	}
	return nil
}

// retryLater increments the event's retry count and either schedules it on
// the retry queue or drops it for good once the retry cap is exceeded.
func (d *Dispatcher) retryLater(e *sdktypes.Event, cause error) {
	e.RetryCount++
	if e.RetryCount > d.cfg.MaxRetries {
		d.loggers.Debugf("Dropping %s event after %d failed attempts: %s", e.Type, e.RetryCount, cause)
		return
	}
	delay := d.cfg.RetryInitialDelay << (e.RetryCount - 1)
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	nextRetryAt := time.Now().Add(delay)
	e.NextRetryAt = &nextRetryAt
	d.loggers.Debugf("Will retry %s event in %s: %s", e.Type, delay, cause)

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	if len(d.retryQueue) >= d.cfg.MaxQueueSize {
		// lossy bounded FIFO: the oldest unacknowledged event goes first
		dropped := d.retryQueue[0]
		copy(d.retryQueue, d.retryQueue[1:])
		d.retryQueue = d.retryQueue[:len(d.retryQueue)-1]
		d.loggers.Debugf("Retry queue full, evicting oldest %s event", dropped.Type)
	}
	d.retryQueue = append(d.retryQueue, e)
	if d.retryLoopHalt == nil {
		d.retryLoopHalt = make(chan struct{})
		go d.runRetryLoop(d.retryLoopHalt)
	}
	d.lock.Unlock()
}

// runRetryLoop scans the queue on a fixed interval, delivering entries whose
// backoff has elapsed. It exits once the queue is empty.
func (d *Dispatcher) runRetryLoop(halt <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.RetryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.processRetries() {
				return
			}
		case <-halt:
			return
		}
	}
}

// processRetries delivers ready entries sequentially and reports whether the
// loop should stop because the queue has emptied.
func (d *Dispatcher) processRetries() bool {
	now := time.Now()
	d.lock.Lock()
	var ready, waiting []*sdktypes.Event
	for _, e := range d.retryQueue {
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			waiting = append(waiting, e)
		} else {
			ready = append(ready, e)
		}
	}
	d.retryQueue = waiting
	d.lock.Unlock()

	// sequential on purpose: a recovering endpoint shouldn't get a burst
	for _, e := range ready {
		if err := d.sendEvent(*e); err != nil {
			d.retryLater(e, err)
		}
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.retryQueue) == 0 && d.retryLoopHalt != nil {
		close(d.retryLoopHalt)
		d.retryLoopHalt = nil
		return true
	}
	return false
}

func (d *Dispatcher) currentContext() (sdkcontext.Context, bool) {
	if d.cfg.ContextProvider == nil {
		return sdkcontext.Context{}, false
	}
	current, ok := d.cfg.ContextProvider()
	if !ok || !current.HasIdentity() {
		return sdkcontext.Context{}, false
	}
	return current, true
}

// getAnonymousID returns the stable per-installation tracker id, generating
// and persisting one on first use.
func (d *Dispatcher) getAnonymousID() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.anonymousID != "" {
		return d.anonymousID
	}
	if id, ok := d.cfg.Storage.Get(anonymousIDKey); ok && id != "" {
		d.anonymousID = id
		return id
	}
	id := uuid.NewString()
	d.cfg.Storage.Set(anonymousIDKey, id)
	d.anonymousID = id
	return id
}
