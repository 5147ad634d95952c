// Package schematic is the main package for the Schematic client-side SDK.
// The Client evaluates feature flags for an evaluation context over a
// WebSocket stream with a REST fallback, caches results per context, and
// reports identify, track, and flag check events.
package schematic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	cache "github.com/patrickmn/go-cache"

	"github.com/schematichq/schematic-client-go/filedata"
	"github.com/schematichq/schematic-client-go/internal/datasource"
	"github.com/schematichq/schematic-client-go/internal/endpoints"
	"github.com/schematichq/schematic-client-go/internal/events"
	"github.com/schematichq/schematic-client-go/internal/httpconf"
	"github.com/schematichq/schematic-client-go/internal/listenerset"
	"github.com/schematichq/schematic-client-go/sdkcontext"
	"github.com/schematichq/schematic-client-go/sdktypes"
)

// cacheKeySep joins the canonical context string and the flag key; NUL cannot
// appear in either.
const cacheKeySep = "\x00"

// Client is the Schematic client. Create one per API key and share it; all
// methods are safe for concurrent use.
type Client struct {
	cfg     Config
	loggers ldlog.Loggers

	requestor    *datasource.Requestor
	stream       *datasource.StreamProcessor
	dispatcher   *events.Dispatcher
	flagDefaults *filedata.Source

	checks *cache.Cache

	flagValueListeners *listenerset.KeyedRegistry[bool]
	flagCheckListeners *listenerset.KeyedRegistry[sdktypes.CheckFlagReturn]
	pendingListeners   *listenerset.Registry[bool]

	lock       sync.Mutex
	evalCtx    sdkcontext.Context
	hasContext bool
	pending    bool
	networkUp  bool

	closeOnce sync.Once
}

// CheckFlagParams identifies a flag check: the flag key, an optional context
// override, and an optional callsite fallback that wins over file defaults
// when the check cannot reach the service.
type CheckFlagParams struct {
	// Key is the flag key. Required.
	Key string
	// Context evaluates against this context instead of the client's current
	// one, without changing the client's context. Override checks always use
	// the REST endpoint.
	Context *sdkcontext.Context
	// Fallback is used when no server value is available. When unset, file
	// defaults apply, then false.
	Fallback ldvalue.OptionalBool
}

// NewClient creates a client. No connection is made until the first check or
// SetContext call.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("an API key is required")
	}
	cfg, err := config.applyEnvOverrides()
	if err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	cfg = cfg.withDefaults()
	loggers := cfg.makeLoggers()

	transport := httpconf.TransportConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		ProxyURL:       cfg.ProxyURL,
	}
	if cfg.NTLMProxyAuth != nil {
		transport.NTLMProxyAuth = &httpconf.ProxyAuth{
			Username: cfg.NTLMProxyAuth.Username,
			Password: cfg.NTLMProxyAuth.Password,
			Domain:   cfg.NTLMProxyAuth.Domain,
		}
	}
	httpClient, err := transport.CreateHTTPClient()
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	for name, values := range cfg.AdditionalHeaders {
		headers[name] = values
	}
	headers.Set("X-Schematic-Api-Key", cfg.APIKey)
	headers.Set("X-Schematic-Client-Version", clientVersionString)

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.NoExpiration
	}

	c := &Client{
		cfg:                cfg,
		loggers:            loggers,
		checks:             cache.New(cacheTTL, 5*time.Minute),
		flagValueListeners: listenerset.NewKeyed[bool](loggers),
		flagCheckListeners: listenerset.NewKeyed[sdktypes.CheckFlagReturn](loggers),
		pendingListeners:   listenerset.New[bool](loggers),
		networkUp:          true,
	}

	if len(cfg.FlagDefaultFiles) > 0 {
		source, err := filedata.NewSource(cfg.FlagDefaultFiles, loggers)
		if err != nil {
			return nil, err
		}
		if cfg.WatchFlagDefaultFiles {
			if err := source.Watch(); err != nil {
				_ = source.Close()
				return nil, err
			}
		}
		c.flagDefaults = source
	}

	c.requestor = datasource.NewRequestor(httpClient,
		endpoints.SelectBaseURI(cfg.APIBaseURI, endpoints.DefaultAPIBaseURI),
		headers, loggers)

	c.dispatcher = events.NewDispatcher(events.DispatcherConfig{
		APIKey:             cfg.APIKey,
		ClientVersion:      clientVersionString,
		EventsURI:          endpoints.SelectBaseURI(cfg.EventsBaseURI, endpoints.DefaultEventsBaseURI),
		HTTPClient:         httpClient,
		Headers:            headers,
		Loggers:            loggers,
		MaxQueueSize:       cfg.EventMaxQueueSize,
		MaxRetries:         cfg.EventMaxRetries,
		RetryInitialDelay:  cfg.EventRetryInitialDelay,
		RetryMaxDelay:      cfg.EventRetryMaxDelay,
		RetryCheckInterval: cfg.EventRetryCheckInterval,
		Offline:            cfg.Offline,
		Storage:            cfg.Storage,
		ContextProvider:    c.currentContext,
	})

	if !cfg.DisableStreaming && !cfg.Offline && !cfg.OfflineFlagChecks {
		c.stream = datasource.NewStreamProcessor(datasource.StreamConfig{
			URI:                  endpoints.SelectBaseURI(cfg.WebSocketBaseURI, endpoints.DefaultWebSocketBaseURI),
			APIKey:               cfg.APIKey,
			ClientVersion:        clientVersionString,
			HTTPClient:           httpClient,
			Headers:              headers,
			ConnectTimeout:       cfg.ConnectTimeout,
			Reconnect:            !cfg.DisableStreamReconnect,
			MaxReconnectAttempts: cfg.MaxStreamReconnectAttempts,
			InitialRetryDelay:    cfg.StreamRetryInitialDelay,
			MaxRetryDelay:        cfg.StreamRetryMaxDelay,
			Loggers:              loggers,
		}, c)
	}

	c.loggers.Infof("Starting Schematic client %s", Version)
	return c, nil
}

// CheckFlag evaluates a single flag. It never returns an error: when no
// server value can be obtained, the result comes from the fallback ladder
// (callsite fallback, then file defaults, then false) and the failure is
// reported through the flag check event and the logs.
func (c *Client) CheckFlag(ctx context.Context, params CheckFlagParams) bool {
	return c.checkFlag(ctx, params).Value
}

// CheckFlagDetail is CheckFlag returning the full result, including the
// reason and any usage entitlement data.
func (c *Client) CheckFlagDetail(ctx context.Context, params CheckFlagParams) sdktypes.CheckFlagReturn {
	return c.checkFlag(ctx, params)
}

func (c *Client) checkFlag(ctx context.Context, params CheckFlagParams) sdktypes.CheckFlagReturn {
	evalCtx, override := c.resolveEvalContext(params.Context)

	if c.cfg.Offline || c.cfg.OfflineFlagChecks {
		ret := c.resolveFallback(params, nil)
		c.loggers.Debugf("Offline; flag %q resolved to %t from defaults", params.Key, ret.Value)
		return ret
	}

	contextKey := evalCtx.CanonicalString()
	// The stream serves only the client's current context; override checks
	// go straight to REST.
	streamEligible := c.stream != nil && !override && c.networkAvailable()

	if ret, ok := c.cachedCheck(contextKey, params.Key); ok {
		if streamEligible && !c.stream.Connected() {
			// serve the cached value, but bring the stream back in the
			// background so the cache does not stay stale after reconnection
			// attempts have been exhausted
			go func() {
				if err := c.stream.SetContext(context.Background(), evalCtx); err != nil {
					c.loggers.Debugf("Stream re-establishment failed: %s", err)
				}
			}()
		}
		c.dispatcher.FlagCheck(sdktypes.FlagCheckBody(ret, evalCtx))
		return ret
	}

	if streamEligible {
		if err := c.stream.SetContext(ctx, evalCtx); err != nil {
			c.loggers.Warnf("Stream unavailable, falling back to REST for flag %q: %s", params.Key, err)
		} else if ret, ok := c.cachedCheck(contextKey, params.Key); ok {
			c.dispatcher.FlagCheck(sdktypes.FlagCheckBody(ret, evalCtx))
			return ret
		}
		// flag was not in the bootstrap payload; ask for it directly
	}

	ret, err := c.requestor.CheckFlag(ctx, evalCtx, params.Key)
	if err != nil {
		ret = c.resolveFallback(params, err)
	} else {
		c.recordCheck(contextKey, ret)
	}
	c.dispatcher.FlagCheck(sdktypes.FlagCheckBody(ret, evalCtx))
	return ret
}

// CheckFlags evaluates every flag visible to the context (the client's
// current one, or an override) and returns a map of flag key to value. Like
// CheckFlag it never fails: when the flags cannot be fetched, the map holds
// the configured defaults (which may be empty) and the error is logged.
func (c *Client) CheckFlags(ctx context.Context, override *sdkcontext.Context) map[string]bool {
	if c.cfg.Offline || c.cfg.OfflineFlagChecks {
		return c.defaultFlagValues()
	}

	evalCtx, _ := c.resolveEvalContext(override)
	rets, err := c.requestor.CheckFlags(ctx, evalCtx)
	if err != nil {
		c.loggers.Warnf("Error checking flags; returning defaults: %s", err)
		return c.defaultFlagValues()
	}
	contextKey := evalCtx.CanonicalString()
	values := make(map[string]bool, len(rets))
	for _, ret := range rets {
		c.recordCheck(contextKey, ret)
		values[ret.Flag] = ret.Value
	}
	return values
}

// defaultFlagValues is the no-network answer to CheckFlags: every flag with a
// configured or file default, at its default value.
func (c *Client) defaultFlagValues() map[string]bool {
	values := make(map[string]bool)
	if c.flagDefaults != nil {
		for k, v := range c.flagDefaults.Defaults() {
			values[k] = v
		}
	}
	for k, v := range c.cfg.FlagValueDefaults {
		values[k] = v
	}
	for k, def := range c.cfg.FlagCheckDefaults {
		values[k] = def.Value
	}
	return values
}

// SetContext changes the evaluation context and eagerly loads its flags, over
// the stream when available and over REST otherwise. Track events that were
// queued waiting for identity are flushed once the new context has one.
func (c *Client) SetContext(ctx context.Context, evalCtx sdkcontext.Context) error {
	c.lock.Lock()
	c.evalCtx = evalCtx
	c.hasContext = true
	c.lock.Unlock()

	c.setPending(true)
	defer c.setPending(false)

	if evalCtx.HasIdentity() {
		defer c.dispatcher.FlushPendingTracks()
	}

	if c.cfg.Offline || c.cfg.OfflineFlagChecks {
		return nil
	}

	if c.stream != nil && c.networkAvailable() {
		err := c.stream.SetContext(ctx, evalCtx)
		if err == nil {
			return nil
		}
		c.loggers.Warnf("Stream unavailable, bootstrapping flags over REST: %s", err)
	}

	rets, err := c.requestor.CheckFlags(ctx, evalCtx)
	if err != nil {
		return err
	}
	contextKey := evalCtx.CanonicalString()
	for _, ret := range rets {
		c.recordCheck(contextKey, ret)
	}
	return nil
}

// Identify reports who the current company and user are, makes them the
// evaluation context, and loads their flags.
func (c *Client) Identify(ctx context.Context, body sdktypes.EventBodyIdentify) error {
	c.dispatcher.Identify(body)
	return c.SetContext(ctx, body.Context())
}

// Track reports a usage event. If the event is the usage meter for any
// currently cached flag, that flag's cached usage is updated optimistically
// so gating reacts before the server confirms. Quantity defaults to 1; a
// negative quantity is a usage correction and is applied as-is.
func (c *Client) Track(body sdktypes.EventBodyTrack) {
	quantity := body.Quantity
	if quantity == 0 {
		quantity = 1
	}
	c.dispatcher.Track(body)
	c.applyOptimisticUsage(body.Event, quantity)
}

// GetFlagValue returns the cached value of a flag for the current context,
// without any network activity. The second return is false when the flag has
// not been checked for this context.
func (c *Client) GetFlagValue(flagKey string) (bool, bool) {
	ret, ok := c.GetFlagCheck(flagKey)
	return ret.Value, ok
}

// GetFlagCheck is GetFlagValue returning the full cached result.
func (c *Client) GetFlagCheck(flagKey string) (sdktypes.CheckFlagReturn, bool) {
	evalCtx, _ := c.resolveEvalContext(nil)
	return c.cachedCheck(evalCtx.CanonicalString(), flagKey)
}

// Context returns the current evaluation context.
func (c *Client) Context() sdkcontext.Context {
	evalCtx, _ := c.resolveEvalContext(nil)
	return evalCtx
}

// Pending reports whether a context change is in flight. While pending,
// cached values may belong to the previous context.
func (c *Client) Pending() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending
}

// SetNetworkAvailable tells the client the network was lost or regained.
// Loss closes the stream and stops reconnection; recovery reconnects and
// retries queued events.
func (c *Client) SetNetworkAvailable(available bool) {
	c.lock.Lock()
	c.networkUp = available
	c.lock.Unlock()
	if c.stream != nil {
		c.stream.SetNetworkAvailable(available)
	} else if available {
		c.dispatcher.FlushRetryQueue()
	}
}

// Close shuts the client down, delivering any events that can still be
// delivered. The client cannot be used afterwards.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stream != nil {
			_ = c.stream.Close()
		}
		if c.flagDefaults != nil {
			_ = c.flagDefaults.Close()
		}
		err = c.dispatcher.Close()
		c.loggers.Info("Schematic client closed")
	})
	return err
}

// ApplyFlags merges flag results pushed over the stream into the check cache
// and notifies listeners. A pushed result for a flag somebody is listening to
// also produces a flag check event, since the push is effectively a check the
// application observed.
func (c *Client) ApplyFlags(contextKey string, flags []sdktypes.CheckFlagReturn) {
	current, _ := c.resolveEvalContext(nil)
	isCurrent := contextKey == current.CanonicalString()
	for _, ret := range flags {
		c.recordCheck(contextKey, ret)
		if isCurrent && (c.flagCheckListeners.Has(ret.Flag) || c.flagValueListeners.Has(ret.Flag)) {
			c.dispatcher.FlagCheck(sdktypes.FlagCheckBody(ret, current))
		}
	}
}

// FlushEvents retries queued event deliveries; the stream calls this after a
// reconnect.
func (c *Client) FlushEvents() {
	c.dispatcher.FlushRetryQueue()
}

// recordCheck caches a result and notifies listeners. Check listeners see
// every new result for the current context; value listeners only fire on a
// value change.
func (c *Client) recordCheck(contextKey string, ret sdktypes.CheckFlagReturn) {
	prev, hadPrev := c.cachedCheck(contextKey, ret.Flag)
	c.checks.Set(contextKey+cacheKeySep+ret.Flag, ret.Clone(), cache.DefaultExpiration)

	current, _ := c.resolveEvalContext(nil)
	if contextKey != current.CanonicalString() {
		return
	}
	c.flagCheckListeners.Notify(ret.Flag, ret.Clone())
	if !hadPrev || prev.Value != ret.Value {
		c.flagValueListeners.Notify(ret.Flag, ret.Value)
	}
}

func (c *Client) cachedCheck(contextKey, flagKey string) (sdktypes.CheckFlagReturn, bool) {
	if v, ok := c.checks.Get(contextKey + cacheKeySep + flagKey); ok {
		if ret, ok := v.(sdktypes.CheckFlagReturn); ok {
			return ret.Clone(), true
		}
	}
	return sdktypes.CheckFlagReturn{}, false
}

// resolveEvalContext returns the context a check should use, and whether it
// is a per-call override rather than the client's current context.
func (c *Client) resolveEvalContext(override *sdkcontext.Context) (sdkcontext.Context, bool) {
	if override != nil {
		return *override, true
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.evalCtx, false
}

// currentContext is the dispatcher's view of the client context, used to
// backfill track events.
func (c *Client) currentContext() (sdkcontext.Context, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.hasContext || !c.evalCtx.HasIdentity() {
		return sdkcontext.Context{}, false
	}
	return c.evalCtx, true
}

func (c *Client) networkAvailable() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.networkUp
}

func (c *Client) setPending(pending bool) {
	c.lock.Lock()
	changed := c.pending != pending
	c.pending = pending
	c.lock.Unlock()
	if changed {
		c.pendingListeners.Notify(pending)
	}
}
