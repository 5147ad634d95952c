// Package endpoints defines the default service base URIs and request paths.
package endpoints

import "strings"

const (
	// DefaultAPIBaseURI is the default base URI of the flag check API.
	DefaultAPIBaseURI = "https://api.schematichq.com"

	// DefaultEventsBaseURI is the default base URI of the event ingestion service.
	DefaultEventsBaseURI = "https://c.schematichq.com"

	// DefaultWebSocketBaseURI is the default base URI of the flag bootstrap stream.
	DefaultWebSocketBaseURI = "wss://api.schematichq.com"

	// EventsRequestPath is the URL path for event ingestion.
	EventsRequestPath = "/e"

	// CheckFlagsRequestPath is the URL path for batch flag checks.
	CheckFlagsRequestPath = "/flags/check"

	// WebSocketRequestPath is the URL path for the flag bootstrap stream.
	WebSocketRequestPath = "/flags/bootstrap"
)

// CheckFlagRequestPath returns the URL path for a single-flag check.
func CheckFlagRequestPath(flagKey string) string {
	return "/flags/" + flagKey + "/check"
}

// SelectBaseURI returns the override if set, otherwise the default, with any
// trailing slash removed.
func SelectBaseURI(overrideValue string, defaultValue string) string {
	uri := overrideValue
	if uri == "" {
		uri = defaultValue
	}
	return strings.TrimRight(uri, "/")
}

// AddPath concatenates a subpath to a URL in a way that will not cause a double slash.
func AddPath(baseURI string, path string) string {
	return strings.TrimSuffix(baseURI, "/") + "/" + strings.TrimPrefix(path, "/")
}
