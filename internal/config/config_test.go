package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `{
	"service": {
		"session_url": "https://api.example.test/api/auth/session",
		"ping_urls": ["http://a.example.test/ping", "http://b.example.test/ping"]
	}
}`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Service.PingInterval())
	assert.Equal(t, 3, cfg.Service.RetryCeiling)
	assert.Equal(t, 10*time.Second, cfg.Service.Timeout())
	assert.Equal(t, 1, cfg.Proxy.MaxPerCredential)
	assert.Equal(t, 30*time.Second, cfg.Proxy.EmptyBackoff())
	assert.Equal(t, []string{"http", "https"}, cfg.Proxy.Schemes)
	assert.Equal(t, "token.txt", cfg.Credentials.Path)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, cfg.Service.UserAgent, cfg.Aggregator.UserAgent)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing session url", `{"service": {"ping_urls": ["http://a"]}}`},
		{"missing ping urls", `{"service": {"session_url": "http://s"}}`},
		{"bad scheme", `{"service": {"session_url": "http://s", "ping_urls": ["http://a"]}, "proxy": {"schemes": ["ftp"]}}`},
		{"bad storage", `{"service": {"session_url": "http://s", "ping_urls": ["http://a"]}, "storage": {"type": "tape"}}`},
		{"file source without path", `{"service": {"session_url": "http://s", "ping_urls": ["http://a"]}, "aggregator": {"sources": [{"type": "file"}]}}`},
		{"malformed", `{"service": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Service.PingURLs, 2)
}
