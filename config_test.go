package deepstream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestResolveConfig_Defaults(t *testing.T) {
	cfg, err := resolveConfig(Config{URL: "localhost:6020"})
	assert.Equal(t, err, nil)

	assert.Equal(t, cfg.Path, "/deepstream")
	assert.Equal(t, cfg.SubscriptionTimeout, 2*time.Second)
	assert.Equal(t, cfg.RecordReadAckTimeout, time.Second)
	assert.Equal(t, cfg.RecordReadTimeout, 3*time.Second)
	assert.Equal(t, cfg.RecordDeleteTimeout, 3*time.Second)
	assert.Equal(t, cfg.RPCAckTimeout, 6*time.Second)
	assert.Equal(t, cfg.RPCResponseTimeout, 10*time.Second)
	assert.Equal(t, cfg.MaxReconnectAttempts, 5)
	assert.Equal(t, cfg.ReconnectIntervalIncrement, 4*time.Second)
	assert.Equal(t, cfg.MaxReconnectInterval, 3*time.Minute)
	assert.Equal(t, cfg.RecordMergeStrategy, MergeRemoteWins)
	assert.NotEqual(t, cfg.Logger, nil)
}

func TestResolveConfig_MissingURL(t *testing.T) {
	t.Setenv("DEEPSTREAM_URL", "")
	_, err := resolveConfig(Config{})
	assert.NotEqual(t, err, nil)
}

func TestResolveConfig_URLFromEnv(t *testing.T) {
	t.Setenv("DEEPSTREAM_URL", "hub.example.com:6020")
	cfg, err := resolveConfig(Config{})
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.URL, "hub.example.com:6020")
}

func TestConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepstream.yaml")
	content := []byte(`
url: wss://hub.example.com
path: /custom
subscriptionTimeout: 500
rpcAckTimeout: 1500
maxReconnectAttempts: 9
recordMergeStrategy: LOCAL_WINS
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ConfigFromFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.URL, "wss://hub.example.com")
	assert.Equal(t, cfg.Path, "/custom")
	assert.Equal(t, cfg.SubscriptionTimeout, 500*time.Millisecond)
	assert.Equal(t, cfg.RPCAckTimeout, 1500*time.Millisecond)
	assert.Equal(t, cfg.MaxReconnectAttempts, 9)
	assert.Equal(t, cfg.RecordMergeStrategy, MergeLocalWins)

	// Unset keys pick up defaults on resolution.
	resolved, err := resolveConfig(cfg)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolved.RPCResponseTimeout, 10*time.Second)
}

func TestConfigFromFile_Missing(t *testing.T) {
	_, err := ConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NotEqual(t, err, nil)
}

func TestConfigFromFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("url: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ConfigFromFile(path)
	assert.NotEqual(t, err, nil)
}
