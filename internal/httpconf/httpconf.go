// Package httpconf builds the http.Client shared by the REST evaluation path,
// the event dispatcher, and the WebSocket dial, applying the configured
// connect timeout and proxy.
package httpconf

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	ntlm "github.com/launchdarkly/go-ntlm-proxy-auth"
)

// DefaultConnectTimeout is used when no connect timeout is configured.
const DefaultConnectTimeout = 3 * time.Second

// ProxyAuth holds NTLM credentials for an authenticating proxy.
type ProxyAuth struct {
	Username string
	Password string
	Domain   string
}

// TransportConfig describes how outbound connections are made.
type TransportConfig struct {
	ConnectTimeout time.Duration
	ProxyURL       string
	NTLMProxyAuth  *ProxyAuth
}

// CreateHTTPClient builds an http.Client from the configuration. The client
// has no overall request timeout; deadlines are the caller's responsibility
// (a request timeout would break long-lived WebSocket upgrades).
func (c TransportConfig) CreateHTTPClient() (*http.Client, error) {
	connectTimeout := c.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 1 * time.Minute}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if c.ProxyURL != "" {
		proxyURL, err := url.Parse(c.ProxyURL)
		if err != nil {
			return nil, err
		}
		if c.NTLMProxyAuth != nil {
			if c.NTLMProxyAuth.Username == "" || c.NTLMProxyAuth.Password == "" {
				return nil, errors.New("NTLM proxy authentication requires a username and password")
			}
			transport.Proxy = nil
			transport.DialContext = ntlm.NewNTLMProxyDialContext(dialer, *proxyURL,
				c.NTLMProxyAuth.Username, c.NTLMProxyAuth.Password, c.NTLMProxyAuth.Domain, nil)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{Transport: transport}, nil
}
