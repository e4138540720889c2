package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crypto_sync/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	DefaultFetchTimeout         = 12 * time.Second
	DefaultProbeInterval        = 15 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
	DefaultReconnectBase        = 2 * time.Second
	DefaultReconnectMax         = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultCriticalThreshold    = 5
	DefaultFallbackTTL          = 5 * time.Minute
	DefaultListenAddr           = ":8080"
	DefaultBroadcastInterval    = 10 * time.Second
	DefaultSendQueue            = 64
	DefaultWriteTimeout         = 10 * time.Second
	DefaultPongTimeout          = 60 * time.Second
	DefaultEventQueue           = 256
	DefaultDurableDriver        = "sqlite"
	DefaultDurableDSN           = "data/crypto_sync.db"
	DefaultActivityInterval     = 15 * time.Second
)

// DefaultIntervals reflects provider rate limits and data volatility per category.
var DefaultIntervals = map[domain.Category]time.Duration{
	domain.CategoryPrices:      30 * time.Second,
	domain.CategoryMovers:      60 * time.Second,
	domain.CategoryProtocols:   5 * time.Minute,
	domain.CategoryCollections: 5 * time.Minute,
	domain.CategoryGames:       5 * time.Minute,
	domain.CategoryTreasury:    10 * time.Minute,
	domain.CategorySentiment:   10 * time.Minute,
}

// DefaultCoreSymbols are pushed to every session on connect.
var DefaultCoreSymbols = []string{"BTC", "ETH", "SOL", "BNB", "XRP"}

// FieldMapping holds gjson paths, relative to one record, for each FeedRecord field.
// Empty paths fall back to the category defaults.
type FieldMapping struct {
	Key            string `yaml:"key"`
	Name           string `yaml:"name"`
	Value          string `yaml:"value"`
	Change         string `yaml:"change"`
	Volume         string `yaml:"volume"`
	MarketCap      string `yaml:"market_cap"`
	Chain          string `yaml:"chain"`
	Holders        string `yaml:"holders"`
	Classification string `yaml:"classification"`
	Timestamp      string `yaml:"timestamp"`
}

// FeedConfig describes one category's provider endpoint.
type FeedConfig struct {
	Enabled      *bool             `yaml:"enabled"`
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Body         string            `yaml:"body"`
	Headers      map[string]string `yaml:"headers"`
	APIKey       string            `yaml:"api_key"`
	APIKeyHeader string            `yaml:"api_key_header"`
	Interval     time.Duration     `yaml:"interval"`
	Timeout      time.Duration     `yaml:"timeout"`
	RateLimit    float64           `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RecordsPath  string            `yaml:"records_path"`
	Fields       FieldMapping      `yaml:"fields"`
}

// IsEnabled reports whether the feed is switched on (default true).
func (f FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// StoreConfig configures the durable and volatile stores.
type StoreConfig struct {
	Durable struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"durable"`
	Cache struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"cache"`

	ProbeInterval        time.Duration `yaml:"probe_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	CriticalThreshold    int           `yaml:"critical_threshold"`
	FallbackEnabled      *bool         `yaml:"fallback_enabled"`
	FallbackTTL          time.Duration `yaml:"fallback_ttl"`
	ArchiveRecords       bool          `yaml:"archive_records"`
}

// UseFallback reports whether the in-process cache fallback is on (default true).
func (s StoreConfig) UseFallback() bool {
	return s.FallbackEnabled == nil || *s.FallbackEnabled
}

// TransportConfig configures the push transport.
type TransportConfig struct {
	ListenAddr        string         `yaml:"listen_addr"`
	BroadcastInterval time.Duration  `yaml:"broadcast_interval"`
	DefaultSymbols    []string       `yaml:"default_symbols"`
	SendQueue         int            `yaml:"send_queue"`
	WriteTimeout      time.Duration  `yaml:"write_timeout"`
	PongTimeout       time.Duration  `yaml:"pong_timeout"`
	AllowedOrigins    []string       `yaml:"allowed_origins"`
	Activity          ActivityConfig `yaml:"activity"`
}

// ActivityConfig configures the address activity watcher. URL may contain
// {address}; an empty URL disables address topics.
type ActivityConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RecordsPath  string        `yaml:"records_path"`
	HashField    string        `yaml:"hash_field"`
}

// Config holds every setting of the application.
// Sensitive values can be overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feeds     map[domain.Category]FeedConfig `yaml:"feeds"`
	Store     StoreConfig                    `yaml:"store"`
	Transport TransportConfig                `yaml:"transport"`

	Events struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"events"`

	Fallback struct {
		Policy string `yaml:"policy"` // none | synthetic
	} `yaml:"fallback"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "crypto-sync"
	}
	if c.Feeds == nil {
		c.Feeds = make(map[domain.Category]FeedConfig)
	}
	for _, cat := range domain.AllCategories {
		f := c.Feeds[cat]
		if f.Interval == 0 {
			f.Interval = DefaultIntervals[cat]
		}
		if f.Timeout == 0 {
			f.Timeout = DefaultFetchTimeout
		}
		if f.Method == "" {
			f.Method = "GET"
		}
		c.Feeds[cat] = f
	}

	s := &c.Store
	if s.Durable.Driver == "" {
		s.Durable.Driver = DefaultDurableDriver
	}
	if s.Durable.DSN == "" && s.Durable.Driver == DefaultDurableDriver {
		s.Durable.DSN = DefaultDurableDSN
	}
	if s.ProbeInterval == 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if s.ProbeTimeout == 0 {
		s.ProbeTimeout = DefaultProbeTimeout
	}
	if s.ReconnectBase == 0 {
		s.ReconnectBase = DefaultReconnectBase
	}
	if s.ReconnectMax == 0 {
		s.ReconnectMax = DefaultReconnectMax
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if s.CriticalThreshold == 0 {
		s.CriticalThreshold = DefaultCriticalThreshold
	}
	if s.FallbackTTL == 0 {
		s.FallbackTTL = DefaultFallbackTTL
	}

	t := &c.Transport
	if t.ListenAddr == "" {
		t.ListenAddr = DefaultListenAddr
	}
	if t.BroadcastInterval == 0 {
		t.BroadcastInterval = DefaultBroadcastInterval
	}
	if len(t.DefaultSymbols) == 0 {
		t.DefaultSymbols = append([]string(nil), DefaultCoreSymbols...)
	}
	if t.SendQueue == 0 {
		t.SendQueue = DefaultSendQueue
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.PongTimeout == 0 {
		t.PongTimeout = DefaultPongTimeout
	}
	if t.Activity.Interval == 0 {
		t.Activity.Interval = DefaultActivityInterval
	}
	if t.Activity.Timeout == 0 {
		t.Activity.Timeout = DefaultFetchTimeout
	}
	if t.Activity.HashField == "" {
		t.Activity.HashField = "hash"
	}

	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = DefaultEventQueue
	}
	if c.Fallback.Policy == "" {
		c.Fallback.Policy = "none"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.File == "" {
		c.Logging.File = "app.log"
	}
}

// Validate checks configuration validity. A feed without a URL is not an
// error here: that category is disabled at startup (see FeedProblem).
func (c *Config) Validate() error {
	for cat := range c.Feeds {
		if _, ok := domain.ParseCategory(string(cat)); !ok {
			return &domain.ConfigError{Field: "feeds." + string(cat), Err: errors.New("unknown category")}
		}
		f := c.Feeds[cat]
		if f.Interval < time.Second {
			return &domain.ConfigError{Field: "feeds." + string(cat) + ".interval", Err: errors.New("must be at least 1s")}
		}
		if f.RateLimit < 0 {
			return &domain.ConfigError{Field: "feeds." + string(cat) + ".rate_limit", Err: errors.New("must not be negative")}
		}
		if m := strings.ToUpper(f.Method); m != "GET" && m != "POST" {
			return &domain.ConfigError{Field: "feeds." + string(cat) + ".method", Err: fmt.Errorf("unsupported method %q", f.Method)}
		}
	}

	switch c.Store.Durable.Driver {
	case "sqlite", "postgres":
	default:
		return &domain.ConfigError{Field: "store.durable.driver", Err: fmt.Errorf("unsupported driver %q", c.Store.Durable.Driver)}
	}
	if c.Store.ReconnectMax < c.Store.ReconnectBase {
		return &domain.ConfigError{Field: "store.reconnect_max", Err: errors.New("must be >= reconnect_base")}
	}
	if c.Store.ProbeTimeout > c.Store.ProbeInterval {
		return &domain.ConfigError{Field: "store.probe_timeout", Err: errors.New("must not exceed probe_interval")}
	}

	if c.Transport.BroadcastInterval <= 0 {
		return &domain.ConfigError{Field: "transport.broadcast_interval", Err: errors.New("must be positive")}
	}

	switch c.Fallback.Policy {
	case "none", "synthetic":
	default:
		return &domain.ConfigError{Field: "fallback.policy", Err: fmt.Errorf("unsupported policy %q", c.Fallback.Policy)}
	}

	return nil
}

// FeedProblem returns the reason a category cannot run, or nil.
func (c *Config) FeedProblem(cat domain.Category) error {
	f, ok := c.Feeds[cat]
	if !ok || !f.IsEnabled() {
		return &domain.ConfigError{Field: "feeds." + string(cat), Err: domain.ErrCategoryDisabled}
	}
	if f.URL == "" {
		return &domain.ConfigError{Field: "feeds." + string(cat) + ".url", Err: domain.ErrMissingURL}
	}
	return nil
}

// overrideWithEnv overrides settings from the environment when present.
func overrideWithEnv(cfg *Config) {
	if dsn := os.Getenv("CRYPTOSYNC_DURABLE_DSN"); dsn != "" {
		cfg.Store.Durable.DSN = dsn
	}
	if driver := os.Getenv("CRYPTOSYNC_DURABLE_DRIVER"); driver != "" {
		cfg.Store.Durable.Driver = driver
	}
	if addr := os.Getenv("CRYPTOSYNC_REDIS_ADDR"); addr != "" {
		cfg.Store.Cache.Addr = addr
	}
	if pass := os.Getenv("CRYPTOSYNC_REDIS_PASSWORD"); pass != "" {
		cfg.Store.Cache.Password = pass
	}
	if db := os.Getenv("CRYPTOSYNC_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Store.Cache.DB = n
		}
	}
	if addr := os.Getenv("CRYPTOSYNC_LISTEN_ADDR"); addr != "" {
		cfg.Transport.ListenAddr = addr
	}
	if key := os.Getenv("CRYPTOSYNC_ACTIVITY_API_KEY"); key != "" {
		cfg.Transport.Activity.APIKey = key
	}
	if level := os.Getenv("CRYPTOSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	// Per-feed API keys, e.g. CRYPTOSYNC_PRICES_API_KEY
	for cat, f := range cfg.Feeds {
		if key := os.Getenv("CRYPTOSYNC_" + strings.ToUpper(string(cat)) + "_API_KEY"); key != "" {
			f.APIKey = key
			cfg.Feeds[cat] = f
		}
	}
}
