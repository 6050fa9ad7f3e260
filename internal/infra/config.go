package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orderbook_go/internal/domain"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 배포별 값을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		WSURL              string `yaml:"ws_url"`
		RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
		PingIntervalSec    int    `yaml:"ping_interval_sec"`
		MaxMessagesPerSec  int    `yaml:"max_messages_per_sec"`
		BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	} `yaml:"feed"`

	Server struct {
		Addr  string `yaml:"addr"`
		Pprof string `yaml:"pprof"` // Empty disables the profiler
	} `yaml:"server"`

	View struct {
		DefaultInstrument string `yaml:"default_instrument"`
	} `yaml:"view"`

	Storage struct {
		Path string `yaml:"path"` // Empty means the user config dir
	} `yaml:"storage"`

	Icons struct {
		BaseURL string `yaml:"base_url"`
		Size    int    `yaml:"size"`
	} `yaml:"icons"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// RequestTimeout is the deadline for one feed post request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Feed.RequestTimeoutMS) * time.Millisecond
}

// PingInterval is the feed heartbeat period.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Feed.PingIntervalSec) * time.Second
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Field: "path", Err: fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)}
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses raw YAML, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	// 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the settings used for keys the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "orderbook-go"
	cfg.Feed.WSURL = "wss://api.hyperliquid.xyz/ws"
	cfg.Feed.RequestTimeoutMS = 10000
	cfg.Feed.PingIntervalSec = 30
	cfg.Feed.MaxMessagesPerSec = 20
	cfg.Feed.BreakerMaxFailures = 5
	cfg.Server.Addr = ":8080"
	cfg.View.DefaultInstrument = domain.DefaultInstrument
	cfg.Icons.BaseURL = "https://raw.githubusercontent.com/spothq/cryptocurrency-icons/master/128/color"
	cfg.Icons.Size = 24
	cfg.Logging.Level = "info"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Feed
	if c.Feed.WSURL == "" || (!strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://")) {
		return &ConfigError{Field: "feed.ws_url", Err: fmt.Errorf("invalid feed WS URL: %q", c.Feed.WSURL)}
	}
	if c.Feed.RequestTimeoutMS <= 0 {
		return &ConfigError{Field: "feed.request_timeout_ms", Err: fmt.Errorf("must be positive")}
	}
	if c.Feed.PingIntervalSec <= 0 {
		return &ConfigError{Field: "feed.ping_interval_sec", Err: fmt.Errorf("must be positive")}
	}
	if c.Feed.MaxMessagesPerSec <= 0 {
		return &ConfigError{Field: "feed.max_messages_per_sec", Err: fmt.Errorf("must be positive")}
	}

	// Server
	if c.Server.Addr == "" {
		return &ConfigError{Field: "server.addr", Err: fmt.Errorf("listen address is required")}
	}

	// View
	if !domain.IsSupportedInstrument(c.View.DefaultInstrument) {
		return &ConfigError{Field: "view.default_instrument", Err: fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, c.View.DefaultInstrument)}
	}

	// Icons
	if c.Icons.Size <= 0 {
		return &ConfigError{Field: "icons.size", Err: fmt.Errorf("must be positive")}
	}

	return nil
}

// ConfigError aliases the domain error so callers can match on one type.
type ConfigError = domain.ConfigError

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("ORDERBOOK_FEED_WS_URL"); url != "" {
		cfg.Feed.WSURL = url
	}
	if addr := os.Getenv("ORDERBOOK_HTTP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("ORDERBOOK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if path := os.Getenv("ORDERBOOK_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}
