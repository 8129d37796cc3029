package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/liveness-keeper/internal/credential"
	"github.com/liveness-keeper/internal/proxypool"
	"github.com/liveness-keeper/internal/types"
)

// Doer performs one HTTP request, through p when p is not empty
type Doer interface {
	Do(ctx context.Context, p proxypool.Endpoint, req *http.Request) (*http.Response, error)
}

// AccountSession is the identity and connection state of one authenticated
// credential. It is owned by a single heartbeat loop.
type AccountSession struct {
	UID            string
	Data           map[string]interface{}
	State          types.ConnectionState
	Retries        int
	LastPingAt     time.Time
	LastPingStatus string
}

// Reset clears identity and connection state
func (s *AccountSession) Reset() {
	s.UID = ""
	s.Data = nil
	s.State = types.StateNone
	s.Retries = 0
}

// PingPayload is the JSON body of a ping request
type PingPayload struct {
	ID        string      `json:"id"`
	BrowserID interface{} `json:"browser_id"`
	Timestamp int64       `json:"timestamp"`
}

type envelope struct {
	Code *int                   `json:"code"`
	Msg  string                 `json:"msg"`
	Data map[string]interface{} `json:"data"`
}

// maxBodyBytes bounds how much of a response is read
const maxBodyBytes = 1 << 20

type Client struct {
	doer       Doer
	sessionURL string
	userAgent  string
	timeout    time.Duration
}

func NewClient(doer Doer, sessionURL, userAgent string, timeout time.Duration) *Client {
	return &Client{
		doer:       doer,
		sessionURL: sessionURL,
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

// Authenticate establishes the session identity for cred through p.
// It never retries; every failure is an *AuthError.
func (c *Client) Authenticate(ctx context.Context, cred credential.Credential, p proxypool.Endpoint) (*AccountSession, error) {
	status, body, err := c.post(ctx, c.sessionURL, cred, p, struct{}{})
	if err != nil {
		return nil, &AuthError{Kind: AuthTransport, Err: err}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{Kind: AuthProtocol, Err: &ProtocolError{URL: c.sessionURL, StatusCode: status, Msg: "credential rejected"}}
	}
	if status < 200 || status > 299 {
		return nil, &AuthError{Kind: AuthTransport, Err: &ProtocolError{URL: c.sessionURL, StatusCode: status}}
	}

	var env envelope
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &AuthError{Kind: AuthTransport, Err: &ProtocolError{URL: c.sessionURL, StatusCode: status, Msg: "empty body"}}
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &AuthError{Kind: AuthTransport, Err: &ProtocolError{URL: c.sessionURL, StatusCode: status, Msg: "malformed body: " + err.Error()}}
	}

	if env.Code == nil || *env.Code < 0 {
		return nil, &AuthError{Kind: AuthIdentity, Err: &ProtocolError{URL: c.sessionURL, StatusCode: status, Code: env.Code, Msg: env.Msg}}
	}

	uid := stringField(env.Data, "uid")
	if uid == "" {
		return nil, &AuthError{Kind: AuthIdentity, Err: errMissingUID}
	}

	return &AccountSession{
		UID:            uid,
		Data:           env.Data,
		State:          types.StateNone,
		LastPingStatus: "Waiting...",
	}, nil
}

// Ping reports liveness to pingURL. Success is HTTP 2xx with code 0.
func (c *Client) Ping(ctx context.Context, pingURL string, cred credential.Credential, p proxypool.Endpoint, payload PingPayload) error {
	status, body, err := c.post(ctx, pingURL, cred, p, payload)
	if err != nil {
		return err
	}

	if status < 200 || status > 299 {
		return &ProtocolError{URL: pingURL, StatusCode: status}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &ProtocolError{URL: pingURL, StatusCode: status, Msg: "malformed body"}
	}
	if env.Code == nil || *env.Code != 0 {
		return &ProtocolError{URL: pingURL, StatusCode: status, Code: env.Code, Msg: env.Msg}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, cred credential.Credential, p proxypool.Endpoint, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal JSON: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+string(cred))
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(reqCtx, p, req)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	return resp.StatusCode, body, nil
}

func stringField(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
