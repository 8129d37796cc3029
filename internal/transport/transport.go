package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/liveness-keeper/internal/proxypool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Transport sends requests directly or through a proxy endpoint, keeping one
// http.Client per endpoint so connections are reused across ping cycles.
type Transport struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[proxypool.Endpoint]*http.Client
}

func New(timeout time.Duration) *Transport {
	return &Transport{
		timeout: timeout,
		clients: make(map[proxypool.Endpoint]*http.Client),
	}
}

// Do sends req through p; an empty p means a direct connection
func (t *Transport) Do(ctx context.Context, p proxypool.Endpoint, req *http.Request) (*http.Response, error) {
	client, err := t.clientFor(p)
	if err != nil {
		return nil, err
	}
	return client.Do(req.WithContext(ctx))
}

// Forget drops the cached client for p and closes its idle connections
func (t *Transport) Forget(p proxypool.Endpoint) {
	t.mu.Lock()
	client, ok := t.clients[p]
	delete(t.clients, p)
	t.mu.Unlock()

	if ok {
		client.CloseIdleConnections()
	}
}

// Close releases every cached client
func (t *Transport) Close() {
	t.mu.Lock()
	clients := t.clients
	t.clients = make(map[proxypool.Endpoint]*http.Client)
	t.mu.Unlock()

	for _, c := range clients {
		c.CloseIdleConnections()
	}
}

func (t *Transport) clientFor(p proxypool.Endpoint) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[p]; ok {
		return client, nil
	}

	rt, err := t.newRoundTripper(p)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: rt,
		Timeout:   t.timeout,
	}
	t.clients[p] = client
	return client, nil
}

func (t *Transport) newRoundTripper(p proxypool.Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	rt := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   t.timeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if p == "" {
		return rt, nil
	}

	proxyURL, err := p.URL()
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		rt.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		socks, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer error: %w", err)
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			rt.DialContext = cd.DialContext
		} else {
			rt.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	log.WithField("proxy", p.Redacted()).Debug("Created proxy transport")
	return rt, nil
}
