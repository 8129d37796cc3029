package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/storage"
)

// Source yields proxy endpoints as text
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// NewSource builds the source described by cfg
func NewSource(cfg config.Source, client *http.Client, userAgent string) (Source, error) {
	switch cfg.Type {
	case "text", "":
		return &TextSource{URL: cfg.URL, client: client, userAgent: userAgent}, nil
	case "json":
		return &JSONSource{URL: cfg.URL, client: client, userAgent: userAgent}, nil
	case "file":
		return &FileSource{Path: cfg.Path}, nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

// TextSource fetches a list with one endpoint per line
type TextSource struct {
	URL       string
	client    *http.Client
	userAgent string
}

func (s *TextSource) Name() string { return s.URL }

func (s *TextSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := get(ctx, s.client, s.URL, s.userAgent)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return storage.SplitLines(body)
}

// JSONSource fetches a structured list and derives scheme://ip:port from each item
type JSONSource struct {
	URL       string
	client    *http.Client
	userAgent string
}

func (s *JSONSource) Name() string { return s.URL }

func (s *JSONSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := get(ctx, s.client, s.URL, s.userAgent)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return ParseStructured(data)
}

// FileSource reads a static line-delimited list
type FileSource struct {
	Path string
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Fetch(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	return storage.SplitLines(f)
}

type structuredItem struct {
	Protocol  string          `json:"protocol"`
	Protocols []string        `json:"protocols"`
	IP        string          `json:"ip"`
	Port      json.RawMessage `json:"port"`
}

// ParseStructured accepts a JSON array of items, or an object with a
// "proxies" array, where each item carries protocol, ip and port.
func ParseStructured(data []byte) ([]string, error) {
	var items []structuredItem
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			Proxies []structuredItem `json:"proxies"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse proxy list JSON: %w", err)
		}
		items = wrapped.Proxies
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		protocol := strings.ToLower(strings.TrimSpace(it.Protocol))
		if protocol == "" && len(it.Protocols) > 0 {
			protocol = strings.ToLower(strings.TrimSpace(it.Protocols[0]))
		}
		if protocol == "" {
			protocol = "http"
		}
		port := portString(it.Port)
		if it.IP == "" || port == "" {
			continue
		}
		out = append(out, protocol+"://"+net.JoinHostPort(it.IP, port))
	}
	return out, nil
}

// portString accepts both 8080 and "8080"
func portString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// limitedBody closes the response when the limited reader is closed
type limitedBody struct {
	io.Reader
	io.Closer
}

func get(ctx context.Context, client *http.Client, url, userAgent string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	return limitedBody{Reader: io.LimitReader(resp.Body, 10*1024*1024), Closer: resp.Body}, nil
}
