package proxypool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is a normalized proxy URI: scheme://[user:pass@]host:port
type Endpoint string

func (e Endpoint) String() string { return string(e) }

// URL parses the endpoint back into a *url.URL
func (e Endpoint) URL() (*url.URL, error) {
	return url.Parse(string(e))
}

// Redacted hides proxy credentials for logging
func (e Endpoint) Redacted() string {
	u, err := e.URL()
	if err != nil {
		return string(e)
	}
	return u.Redacted()
}

// ParseEndpoint validates raw proxy text and returns its normalized form.
// Bare "host:port" entries default to http.
func ParseEndpoint(raw string, schemes []string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty proxy entry")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse proxy URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !schemeAllowed(scheme, schemes) {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// credentials belong in userinfo; anything after host:port would be lost
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("proxy URL must not carry a path or query")
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", fmt.Errorf("proxy host must be host:port: %w", err)
	}
	if host == "" {
		return "", fmt.Errorf("proxy host is empty")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid proxy port %q", portStr)
	}

	normalized := url.URL{
		Scheme: scheme,
		User:   u.User,
		Host:   net.JoinHostPort(strings.ToLower(host), portStr),
	}
	return Endpoint(normalized.String()), nil
}

func schemeAllowed(scheme string, schemes []string) bool {
	if len(schemes) == 0 {
		return scheme == "http" || scheme == "https"
	}
	for _, s := range schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}
