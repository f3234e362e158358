package deepstream

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MergeStrategy names a built-in conflict resolution policy applied when a
// record receives a remote version that does not follow its local one.
type MergeStrategy string

const (
	// MergeRemoteWins adopts the remote data and version.
	MergeRemoteWins MergeStrategy = "REMOTE_WINS"
	// MergeLocalWins re-sends the local data as the new authoritative version.
	MergeLocalWins MergeStrategy = "LOCAL_WINS"
)

// Config holds the tunables for a client. The zero value of every field is
// replaced by its default on client creation.
type Config struct {
	// URL of the hub, e.g. "wss://hub.example.com". Schemeless and
	// protocol-relative forms are accepted; http(s) is rejected.
	// Fallback: DEEPSTREAM_URL environment variable.
	URL string `yaml:"url"`

	// Path appended to the URL when it carries none. Default "/deepstream".
	Path string `yaml:"path"`

	// SubscriptionTimeout is the ack deadline for subscribe, unsubscribe
	// and listen requests. Default 2s.
	SubscriptionTimeout time.Duration `yaml:"subscriptionTimeout"`

	// RecordReadAckTimeout is the subscription ack deadline for a record
	// read. Default 1s.
	RecordReadAckTimeout time.Duration `yaml:"recordReadAckTimeout"`

	// RecordReadTimeout is the deadline for the READ response carrying the
	// record data. Default 3s.
	RecordReadTimeout time.Duration `yaml:"recordReadTimeout"`

	// RecordDeleteTimeout is the ack deadline for a record delete.
	// Default 3s.
	RecordDeleteTimeout time.Duration `yaml:"recordDeleteTimeout"`

	// RPCAckTimeout is the deadline for the hub acknowledging an RPC
	// request. Default 6s.
	RPCAckTimeout time.Duration `yaml:"rpcAckTimeout"`

	// RPCResponseTimeout is the deadline for the RPC response itself.
	// Default 10s.
	RPCResponseTimeout time.Duration `yaml:"rpcResponseTimeout"`

	// MaxReconnectAttempts bounds the reconnection budget after a dropped
	// connection. Default 5.
	MaxReconnectAttempts int `yaml:"maxReconnectAttempts"`

	// ReconnectIntervalIncrement is the linear backoff step between
	// reconnect attempts. Default 4s.
	ReconnectIntervalIncrement time.Duration `yaml:"reconnectIntervalIncrement"`

	// MaxReconnectInterval caps the backoff. Default 3m.
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`

	// RecordMergeStrategy is the default conflict resolver for records.
	// Default MergeRemoteWins.
	RecordMergeStrategy MergeStrategy `yaml:"recordMergeStrategy"`

	// Logger receives debug traces (state transitions, reconnect attempts,
	// dropped frames). Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// resolveConfig fills empty fields with defaults and validates the URL.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.URL == "" {
		cfg.URL = os.Getenv("DEEPSTREAM_URL")
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("URL is required (set in Config or DEEPSTREAM_URL env)")
	}
	if cfg.Path == "" {
		cfg.Path = "/deepstream"
	}
	if cfg.SubscriptionTimeout == 0 {
		cfg.SubscriptionTimeout = 2 * time.Second
	}
	if cfg.RecordReadAckTimeout == 0 {
		cfg.RecordReadAckTimeout = time.Second
	}
	if cfg.RecordReadTimeout == 0 {
		cfg.RecordReadTimeout = 3 * time.Second
	}
	if cfg.RecordDeleteTimeout == 0 {
		cfg.RecordDeleteTimeout = 3 * time.Second
	}
	if cfg.RPCAckTimeout == 0 {
		cfg.RPCAckTimeout = 6 * time.Second
	}
	if cfg.RPCResponseTimeout == 0 {
		cfg.RPCResponseTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectIntervalIncrement == 0 {
		cfg.ReconnectIntervalIncrement = 4 * time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = 3 * time.Minute
	}
	if cfg.RecordMergeStrategy == "" {
		cfg.RecordMergeStrategy = MergeRemoteWins
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

// fileConfig mirrors Config for YAML files, with durations in milliseconds.
type fileConfig struct {
	URL                        string `yaml:"url"`
	Path                       string `yaml:"path"`
	SubscriptionTimeout        int    `yaml:"subscriptionTimeout"`
	RecordReadAckTimeout       int    `yaml:"recordReadAckTimeout"`
	RecordReadTimeout          int    `yaml:"recordReadTimeout"`
	RecordDeleteTimeout        int    `yaml:"recordDeleteTimeout"`
	RPCAckTimeout              int    `yaml:"rpcAckTimeout"`
	RPCResponseTimeout         int    `yaml:"rpcResponseTimeout"`
	MaxReconnectAttempts       int    `yaml:"maxReconnectAttempts"`
	ReconnectIntervalIncrement int    `yaml:"reconnectIntervalIncrement"`
	MaxReconnectInterval       int    `yaml:"maxReconnectInterval"`
	RecordMergeStrategy        string `yaml:"recordMergeStrategy"`
}

// ConfigFromFile loads a Config from a YAML file. Durations are given in
// milliseconds, matching the hub's own configuration format.
func ConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		URL:                        fc.URL,
		Path:                       fc.Path,
		SubscriptionTimeout:        ms(fc.SubscriptionTimeout),
		RecordReadAckTimeout:       ms(fc.RecordReadAckTimeout),
		RecordReadTimeout:          ms(fc.RecordReadTimeout),
		RecordDeleteTimeout:        ms(fc.RecordDeleteTimeout),
		RPCAckTimeout:              ms(fc.RPCAckTimeout),
		RPCResponseTimeout:         ms(fc.RPCResponseTimeout),
		MaxReconnectAttempts:       fc.MaxReconnectAttempts,
		ReconnectIntervalIncrement: ms(fc.ReconnectIntervalIncrement),
		MaxReconnectInterval:       ms(fc.MaxReconnectInterval),
		RecordMergeStrategy:        MergeStrategy(fc.RecordMergeStrategy),
	}, nil
}
