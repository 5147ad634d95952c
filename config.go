package schematic

import (
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/schematichq/schematic-client-go/sdktypes"
)

// Default configuration values. Event delivery and stream reconnection
// defaults live with their subsystems under internal/.
const (
	// DefaultConnectTimeout bounds TCP connection establishment for all
	// requests, and the WebSocket dial plus bootstrap wait.
	DefaultConnectTimeout = 10 * time.Second
)

// ProxyAuthConfig holds NTLM credentials for an authenticating proxy. Leave
// it nil for ordinary proxies.
type ProxyAuthConfig struct {
	Username string
	Password string
	Domain   string
}

// Storage persists small string values across client instances, such as the
// anonymous tracker id. The default implementation writes a JSON file under
// the user configuration directory; the schematicredis package provides a
// Redis-backed one.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
}

// Config exposes advanced configuration options for the client.
//
// All of these settings are optional except APIKey, so if you want to set
// anything at all you can just assign the fields you care about:
//
//	config := schematic.Config{
//	    APIKey:  "sdk-...",
//	    Offline: true,
//	}
type Config struct {
	// APIKey is the publishable key used to authenticate all requests.
	APIKey string

	// APIBaseURI overrides the base URI of the flag check endpoints.
	APIBaseURI string
	// EventsBaseURI overrides the base URI of the event ingestion endpoint.
	EventsBaseURI string
	// WebSocketBaseURI overrides the base URI of the flag bootstrap stream.
	WebSocketBaseURI string

	// Offline disables all network activity. Flag checks resolve from flag
	// defaults and events are discarded with a log line. Can also be set
	// with the SCHEMATIC_OFFLINE environment variable.
	Offline bool
	// OfflineFlagChecks disables only flag evaluation network traffic;
	// events are still delivered. Can also be set with the
	// SCHEMATIC_OFFLINE_FLAG_CHECKS environment variable.
	OfflineFlagChecks bool
	// Debug enables debug-level logging when no Loggers value is supplied.
	// Can also be set with the SCHEMATIC_DEBUG environment variable.
	Debug bool

	// DisableStreaming makes every flag check use the REST endpoints
	// instead of the WebSocket stream.
	DisableStreaming bool
	// DisableStreamReconnect turns off automatic reconnection after an
	// unexpected stream disconnect.
	DisableStreamReconnect bool
	// MaxStreamReconnectAttempts caps reconnection attempts after an
	// unexpected disconnect; zero means the default of 7.
	MaxStreamReconnectAttempts int
	// StreamRetryInitialDelay seeds the reconnect backoff; zero means 1s.
	StreamRetryInitialDelay time.Duration
	// StreamRetryMaxDelay caps the reconnect backoff; zero means 30s.
	StreamRetryMaxDelay time.Duration

	// EventMaxQueueSize caps the event retry queue; zero means 100.
	EventMaxQueueSize int
	// EventMaxRetries is how many delivery retries an event gets; zero
	// means 3.
	EventMaxRetries int
	// EventRetryInitialDelay seeds the event retry backoff; zero means 1s.
	EventRetryInitialDelay time.Duration
	// EventRetryMaxDelay caps the event retry backoff; zero means 30s.
	EventRetryMaxDelay time.Duration
	// EventRetryCheckInterval is how often the retry queue is scanned for
	// due events; zero means 5s.
	EventRetryCheckInterval time.Duration

	// ConnectTimeout bounds connection establishment; zero means 10s.
	ConnectTimeout time.Duration
	// ProxyURL routes all traffic through an HTTP proxy.
	ProxyURL string
	// NTLMProxyAuth supplies NTLM credentials for ProxyURL.
	NTLMProxyAuth *ProxyAuthConfig

	// FlagCheckDefaults maps flag keys to full fallback results, for flags
	// whose offline behavior needs more than a boolean (usage data, reason).
	// They outrank FlagValueDefaults and the default files.
	FlagCheckDefaults map[string]sdktypes.CheckFlagReturn
	// FlagValueDefaults maps flag keys to boolean defaults, used when no
	// server value and no callsite fallback is available. Entries here win
	// over the same key in FlagDefaultFiles.
	FlagValueDefaults map[string]bool
	// FlagDefaultFiles is a list of JSON or YAML files mapping flag keys to
	// boolean defaults, merged under FlagValueDefaults.
	FlagDefaultFiles []string
	// WatchFlagDefaultFiles reloads the default files when they change.
	WatchFlagDefaultFiles bool

	// AdditionalHeaders is sent with every request, alongside the standard
	// authentication and version headers.
	AdditionalHeaders http.Header

	// CacheTTL makes flag check results expire after this long. When zero
	// (the default) or negative, cached results live for the lifetime of
	// the client instance.
	CacheTTL time.Duration

	// Storage overrides where the client persists the anonymous tracker id.
	Storage Storage

	// Loggers is the destination for log output. When unset, a default
	// logger writing to standard error is used, at debug level if Debug is
	// set and info level otherwise.
	Loggers *ldlog.Loggers
}

type envOverrides struct {
	Debug             *bool `env:"SCHEMATIC_DEBUG"`
	Offline           *bool `env:"SCHEMATIC_OFFLINE"`
	OfflineFlagChecks *bool `env:"SCHEMATIC_OFFLINE_FLAG_CHECKS"`
}

// applyEnvOverrides lets the environment force debug logging or offline mode
// without a code change. A malformed variable is reported by NewClient.
func (c Config) applyEnvOverrides() (Config, error) {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return c, err
	}
	if o.Debug != nil {
		c.Debug = *o.Debug
	}
	if o.Offline != nil {
		c.Offline = *o.Offline
	}
	if o.OfflineFlagChecks != nil {
		c.OfflineFlagChecks = *o.OfflineFlagChecks
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

func (c Config) makeLoggers() ldlog.Loggers {
	if c.Loggers != nil {
		return *c.Loggers
	}
	loggers := ldlog.NewDefaultLoggers()
	if c.Debug {
		loggers.SetMinLevel(ldlog.Debug)
	}
	return loggers
}
