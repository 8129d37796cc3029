package session

import (
	"errors"
	"fmt"
)

// AuthKind classifies why authentication failed
type AuthKind int

const (
	// AuthTransport: no usable response (network error, bad status, empty or malformed body)
	AuthTransport AuthKind = iota
	// AuthProtocol: the service rejected the credential itself (401/403)
	AuthProtocol
	// AuthIdentity: the response carried a negative code or no uid
	AuthIdentity
)

func (k AuthKind) String() string {
	switch k {
	case AuthTransport:
		return "transport"
	case AuthProtocol:
		return "protocol"
	case AuthIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// AuthError is returned by Authenticate for every failure
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProxyAttributable reports whether the proxy in use should be suspected
func (e *AuthError) ProxyAttributable() bool {
	return e.Kind == AuthTransport || e.Kind == AuthIdentity
}

// TransportError is a network or timeout failure
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a response that arrived but does not report success
type ProtocolError struct {
	URL        string
	StatusCode int
	Code       *int
	Msg        string
}

func (e *ProtocolError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s: HTTP %d, code %d %s", e.URL, e.StatusCode, *e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: HTTP %d %s", e.URL, e.StatusCode, e.Msg)
}

var errMissingUID = errors.New("response carries no uid")
