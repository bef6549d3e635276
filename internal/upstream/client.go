package upstream

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Config holds upstream HTTP client configuration
type Config struct {
	AnthropicBaseURL string        `mapstructure:"anthropic_base_url"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	ProxyURL         string        `mapstructure:"proxy_url"`

	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// DefaultConfig returns the default upstream configuration
func DefaultConfig() Config {
	return Config{
		AnthropicBaseURL:    "https://api.anthropic.com",
		ConnectTimeout:      30 * time.Second,
		ResponseTimeout:     600 * time.Second,
		MaxIdleConns:        240,
		MaxIdleConnsPerHost: 120,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Client wraps two pooled HTTP clients: one without a whole-body timeout for
// streaming responses, one bounded for unary calls. Cancellation and the TTFB
// bound come from the request context either way.
type Client struct {
	cfg       Config
	streaming *http.Client
	unary     *http.Client
}

// New builds the upstream client pair
func New(cfg Config) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultConfig().ResponseTimeout
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = DefaultConfig().AnthropicBaseURL
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		cfg:       cfg,
		streaming: &http.Client{Transport: transport},
		unary:     &http.Client{Transport: transport, Timeout: cfg.ResponseTimeout},
	}, nil
}

// Do executes an upstream request. Streaming requests carry no whole-body
// timeout so long-lived SSE responses are never cut mid-stream.
func (c *Client) Do(req *http.Request, streaming bool) (*http.Response, error) {
	if streaming {
		return c.streaming.Do(req)
	}
	return c.unary.Do(req)
}

// AnthropicBaseURL returns the configured Anthropic-compatible base URL
func (c *Client) AnthropicBaseURL() string {
	return c.cfg.AnthropicBaseURL
}

// CloseIdleConnections releases pooled connections on shutdown
func (c *Client) CloseIdleConnections() {
	c.streaming.CloseIdleConnections()
}
