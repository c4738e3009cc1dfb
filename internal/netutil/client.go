// Package netutil provides the shared pooled HTTP/1.1 client used by
// both the imposter engine's proxy response and the fault-injection
// proxy's forwarding path, per spec.md §4.4 "Forwarding." Its Options
// shape is grounded on the naming conventions visible in
// net/httpclient_test.go (the only file retrieved for the teacher's
// own net package; its implementation source was not present in the
// pack, so this is written fresh rather than adapted line-by-line).
package netutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Options configures the shared client.
type Options struct {
	PoolMaxIdlePerHost int
	PoolIdleTimeout    time.Duration
	ConnectTimeout     time.Duration
	KeepaliveTimeout   time.Duration
	TLSSkipVerify      bool // development-only: accepts any certificate chain
	Timeout            time.Duration
}

// Client wraps *http.Client with the pool tuning spec.md §4.4 names.
// HTTP/2 is disabled (TLSNextProto forced empty) because spec.md §1
// Non-goals restrict upstream transport to "one connection-reuse pool,
// HTTP/1.1 only."
type Client struct {
	*http.Client
}

// New builds a Client from Options.
func New(o Options) *Client {
	if o.PoolMaxIdlePerHost <= 0 {
		o.PoolMaxIdlePerHost = 64
	}
	if o.PoolIdleTimeout <= 0 {
		o.PoolIdleTimeout = 90 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 30 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   o.ConnectTimeout,
		KeepAlive: o.KeepaliveTimeout,
	}

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: o.PoolMaxIdlePerHost,
		IdleConnTimeout:     o.PoolIdleTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: o.TLSSkipVerify},
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	return &Client{Client: &http.Client{Transport: transport, Timeout: o.Timeout}}
}
