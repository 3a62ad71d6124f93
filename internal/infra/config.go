package infra

import (
	"fmt"
	"os"
	"strings"

	"margin_go/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FeedConfig holds one asset class's upstream connection settings.
type FeedConfig struct {
	WSURL     string   `yaml:"ws_url"`
	Region    string   `yaml:"region"`
	AuthToken string   `yaml:"auth_token"`
	Symbols   []string `yaml:"symbols"`
}

// Config holds every application setting. Sensitive values can be
// overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feeds struct {
		Forex   FeedConfig `yaml:"forex"`
		Crypto  FeedConfig `yaml:"crypto"`
		Indices FeedConfig `yaml:"indices"`
	} `yaml:"feeds"`

	Quote struct {
		URL        string `yaml:"url"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"quote"`

	Gateway struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"gateway"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Engine struct {
		OrderPollMS          int             `yaml:"order_poll_ms"`
		PositionPollMS       int             `yaml:"position_poll_ms"`
		MetricsPollMS        int             `yaml:"metrics_poll_ms"`
		MarginGuardPollMS    int             `yaml:"margin_guard_poll_ms"`
		PriceStalenessMS     int             `yaml:"price_staleness_ms"`
		EvictIntervalSec     int             `yaml:"evict_interval_sec"`
		HeartbeatSec         int             `yaml:"heartbeat_sec"`
		ReconnectDelaySec    int             `yaml:"reconnect_delay_sec"`
		LiquidationThreshold decimal.Decimal `yaml:"liquidation_threshold"`
	} `yaml:"engine"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in engine timings left out of the file.
func applyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.OrderPollMS <= 0 {
		e.OrderPollMS = 100
	}
	if e.PositionPollMS <= 0 {
		e.PositionPollMS = 100
	}
	if e.MetricsPollMS <= 0 {
		e.MetricsPollMS = 1000
	}
	if e.MarginGuardPollMS <= 0 {
		e.MarginGuardPollMS = 5000
	}
	if e.PriceStalenessMS <= 0 {
		e.PriceStalenessMS = 5000
	}
	if e.EvictIntervalSec <= 0 {
		e.EvictIntervalSec = 10
	}
	if e.HeartbeatSec <= 0 {
		e.HeartbeatSec = 15
	}
	if e.ReconnectDelaySec <= 0 {
		e.ReconnectDelaySec = 3
	}
	if cfg.Quote.TimeoutSec <= 0 {
		cfg.Quote.TimeoutSec = 10
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = ":8080"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	for name, feed := range map[string]FeedConfig{
		"forex":   c.Feeds.Forex,
		"crypto":  c.Feeds.Crypto,
		"indices": c.Feeds.Indices,
	} {
		if feed.WSURL == "" {
			continue // asset class disabled
		}
		if !strings.HasPrefix(feed.WSURL, "ws://") && !strings.HasPrefix(feed.WSURL, "wss://") {
			return fmt.Errorf("invalid %s feed WS URL: %s", name, feed.WSURL)
		}
		if feed.Region == "" {
			return fmt.Errorf("%s feed requires a region", name)
		}
	}

	if c.Feeds.Forex.WSURL == "" && c.Feeds.Crypto.WSURL == "" && c.Feeds.Indices.WSURL == "" {
		return fmt.Errorf("at least one feed must be configured")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}

// overrideWithEnv overwrites config values when environment variables exist.
func overrideWithEnv(cfg *Config) {
	if tok := os.Getenv("MARGIN_FOREX_TOKEN"); tok != "" {
		cfg.Feeds.Forex.AuthToken = tok
	}
	if tok := os.Getenv("MARGIN_CRYPTO_TOKEN"); tok != "" {
		cfg.Feeds.Crypto.AuthToken = tok
	}
	if tok := os.Getenv("MARGIN_INDICES_TOKEN"); tok != "" {
		cfg.Feeds.Indices.AuthToken = tok
	}
	if path := os.Getenv("MARGIN_DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
}
