package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

type Config struct {
	App struct {
		LogLevel  string `toml:"log_level"`  // debug / info / warn / error
		LogFormat string `toml:"log_format"` // console / json
		HTTPAddr  string `toml:"http_addr"`  // 为空则不启动 HTTP 接口
	} `toml:"app"`

	Feed struct {
		WsURL             string `toml:"ws_url"` // e.g. wss://quote.tradeswitcher.com/quote-b-ws-api
		Token             string `toml:"token"`
		Instrument        string `toml:"instrument"`
		DepthLevel        int    `toml:"depth_level"`
		ReferencePrice    string `toml:"reference_price"` // 可选，开盘价/基准价
		HeartbeatSec      int    `toml:"heartbeat_sec"`
		ConnectTimeoutSec int    `toml:"connect_timeout_sec"`
		WriteTimeoutSec   int    `toml:"write_timeout_sec"`
		ReadTimeoutSec    int    `toml:"read_timeout_sec"`
	} `toml:"feed"`

	Retry struct {
		MaxAttempts     *int `toml:"max_attempts"` // 未配置时为 3；显式 0 表示不重连
		BaseIntervalSec int  `toml:"base_interval_sec"`
	} `toml:"retry"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		Prefix       string `toml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds"`
		QuoteChannel string `toml:"quote_channel"`
	} `toml:"redis"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Kafka struct {
		Enabled bool     `toml:"enabled"`
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`

	Console struct {
		Enabled bool `toml:"enabled"`
		Color   bool `toml:"color"`
	} `toml:"console"`

	// 解析后的基准价，未配置时为 nil
	reference *decimal.Decimal
}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if !md.IsDefined("console") {
		cfg.Console.Enabled = true
		cfg.Console.Color = true
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "console"
	}
	if cfg.Feed.Instrument == "" {
		cfg.Feed.Instrument = "GOLD"
	}
	if cfg.Feed.DepthLevel <= 0 {
		cfg.Feed.DepthLevel = 5
	}
	if cfg.Feed.HeartbeatSec <= 0 {
		cfg.Feed.HeartbeatSec = 10
	}
	if cfg.Feed.ConnectTimeoutSec <= 0 {
		cfg.Feed.ConnectTimeoutSec = 15
	}
	if cfg.Feed.WriteTimeoutSec <= 0 {
		cfg.Feed.WriteTimeoutSec = 5
	}
	if cfg.Feed.ReadTimeoutSec <= 0 {
		cfg.Feed.ReadTimeoutSec = 60
	}
	if cfg.Retry.MaxAttempts == nil {
		n := 3
		cfg.Retry.MaxAttempts = &n
	}
	if cfg.Retry.BaseIntervalSec <= 0 {
		cfg.Retry.BaseIntervalSec = 15
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "xauwatch"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/xauwatch.db"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "xauwatch.quotes"
	}
}

func validate(cfg *Config) error {
	cfg.Feed.Instrument = strings.ToUpper(strings.TrimSpace(cfg.Feed.Instrument))

	u, err := url.Parse(strings.TrimSpace(cfg.Feed.WsURL))
	if err != nil || cfg.Feed.WsURL == "" {
		return errors.New("feed.ws_url is empty or invalid")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("feed.ws_url scheme must be ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(cfg.Feed.Token) == "" {
		return errors.New("feed.token is empty")
	}
	if *cfg.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be >= 0")
	}

	switch strings.ToLower(cfg.App.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("app.log_format must be console or json, got %q", cfg.App.LogFormat)
	}

	if ref := strings.TrimSpace(cfg.Feed.ReferencePrice); ref != "" {
		d, err := decimal.NewFromString(ref)
		if err != nil {
			return fmt.Errorf("feed.reference_price: %w", err)
		}
		if d.IsNegative() {
			return errors.New("feed.reference_price must be >= 0")
		}
		cfg.reference = &d
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Kafka.Enabled {
		cfg.Kafka.Brokers = normalizeList(cfg.Kafka.Brokers)
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers empty but enabled")
		}
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		v := strings.TrimSpace(s)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ReferencePrice 配置的基准价；未配置返回 nil
func (c *Config) ReferencePrice() *decimal.Decimal {
	if c.reference == nil {
		return nil
	}
	d := *c.reference
	return &d
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Feed.HeartbeatSec) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Feed.ConnectTimeoutSec) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Feed.WriteTimeoutSec) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Feed.ReadTimeoutSec) * time.Second
}

func (c *Config) RetryBaseInterval() time.Duration {
	return time.Duration(c.Retry.BaseIntervalSec) * time.Second
}

func (c *Config) RetryMaxAttempts() int { return *c.Retry.MaxAttempts }
