// Package config loads prospect settings from prospect.yaml and PROSPECT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Search    SearchConfig    `mapstructure:"search"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures the standalone /metrics listener used by
// commands that do not serve the API. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// CacheConfig selects the fetched-page cache.
type CacheConfig struct {
	Driver        string        `mapstructure:"driver"` // none, memory or redis
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// FetchConfig configures page retrieval.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRedirects  int           `mapstructure:"max_redirects"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	CookieJar     bool          `mapstructure:"cookie_jar"`
	Concurrency   int           `mapstructure:"concurrency"`
	RPS           float64       `mapstructure:"rps"`
	Jitter        float64       `mapstructure:"jitter"`
	HostRPS       float64       `mapstructure:"host_rps"`
	HostBurst     int           `mapstructure:"host_burst"`
	Retries       int           `mapstructure:"retries"`
	Fingerprint   string        `mapstructure:"fingerprint"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	UserAgents    []string      `mapstructure:"user_agents"`
	UAStrategy    string        `mapstructure:"ua_strategy"`
	Proxies       []string      `mapstructure:"proxies"`
	ProxyFile     string        `mapstructure:"proxy_file"`
}

// CrawlConfig configures company website crawls.
type CrawlConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxPages    int  `mapstructure:"max_pages"`
	Concurrency int  `mapstructure:"concurrency"`
	UseSitemaps bool `mapstructure:"use_sitemaps"`
}

// SearchConfig configures the search providers.
type SearchConfig struct {
	// Providers in priority order: google, duckduckgo.
	Providers           []string      `mapstructure:"providers"`
	MaxPerProvider      int           `mapstructure:"max_per_provider"`
	ResultsPerOperation int           `mapstructure:"results_per_operation"`
	MaxPages            int           `mapstructure:"max_pages"`
	Concurrency         int           `mapstructure:"concurrency"`
	Retries             int           `mapstructure:"retries"`
	Google              GoogleConfig  `mapstructure:"google"`
	HTMLBaseURL         string        `mapstructure:"html_base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// GoogleConfig holds Custom Search JSON API credentials.
type GoogleConfig struct {
	APIKey   string `mapstructure:"api_key"`
	EngineID string `mapstructure:"engine_id"`
}

// EnrichConfig configures contact enrichment.
type EnrichConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoint of an email-finder API. Empty uses pattern guessing only.
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PatternFallback bool          `mapstructure:"pattern_fallback"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxPerWindow    int           `mapstructure:"max_per_window"`
	Window          time.Duration `mapstructure:"window"`
	Retries         int           `mapstructure:"retries"`
}

// PipelineConfig caps the per-run follow-up work.
type PipelineConfig struct {
	PageConcurrency    int `mapstructure:"page_concurrency"`
	MaxDomainLookups   int `mapstructure:"max_domain_lookups"`
	MaxSiteCrawls      int `mapstructure:"max_site_crawls"`
	MaxContactSearches int `mapstructure:"max_contact_searches"`
}

// SchedulerConfig configures the refresh loop.
type SchedulerConfig struct {
	CheckFrequency    time.Duration `mapstructure:"check_frequency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
}

// Load reads configuration. path names an explicit file; when empty,
// prospect.yaml in the working directory is used if present. Environment
// variables (PROSPECT_FETCH_TIMEOUT, ...) override the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("prospect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "prospect.db")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.ttl", 6*time.Hour)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.cookie_jar", true)
	v.SetDefault("fetch.concurrency", 8)
	v.SetDefault("fetch.rps", 4.0)
	v.SetDefault("fetch.jitter", 0.2)
	v.SetDefault("fetch.host_rps", 1.0)
	v.SetDefault("fetch.host_burst", 2)
	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.fingerprint", "chrome")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.ua_strategy", "round-robin")
	v.SetDefault("fetch.proxies", []string{})
	v.SetDefault("fetch.proxy_file", "")

	v.SetDefault("crawl.enabled", true)
	v.SetDefault("crawl.max_pages", 4)
	v.SetDefault("crawl.concurrency", 2)
	v.SetDefault("crawl.use_sitemaps", true)

	v.SetDefault("search.providers", []string{"duckduckgo"})
	v.SetDefault("search.max_per_provider", 4)
	v.SetDefault("search.results_per_operation", 10)
	v.SetDefault("search.max_pages", 1)
	v.SetDefault("search.concurrency", 4)
	v.SetDefault("search.retries", 2)
	v.SetDefault("search.google.api_key", "")
	v.SetDefault("search.google.engine_id", "")
	v.SetDefault("search.html_base_url", "")
	v.SetDefault("search.timeout", 15*time.Second)

	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.endpoint", "")
	v.SetDefault("enrich.api_key", "")
	v.SetDefault("enrich.timeout", 10*time.Second)
	v.SetDefault("enrich.pattern_fallback", true)
	v.SetDefault("enrich.max_concurrent", 4)
	v.SetDefault("enrich.max_per_window", 60)
	v.SetDefault("enrich.window", time.Minute)
	v.SetDefault("enrich.retries", 3)

	v.SetDefault("pipeline.page_concurrency", 8)
	v.SetDefault("pipeline.max_domain_lookups", 10)
	v.SetDefault("pipeline.max_site_crawls", 5)
	v.SetDefault("pipeline.max_contact_searches", 10)

	v.SetDefault("scheduler.check_frequency", 24*time.Hour)
	v.SetDefault("scheduler.poll_interval", time.Minute)
	v.SetDefault("scheduler.max_concurrent_runs", 2)
}

// Validate checks the settings a command depends on and reports every
// problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	switch c.Cache.Driver {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q is not one of none, memory, redis", c.Cache.Driver))
	}

	if len(c.Search.Providers) == 0 {
		errs = append(errs, errors.New("search.providers must name at least one provider"))
	}
	for _, p := range c.Search.Providers {
		switch p {
		case "google":
			if c.Search.Google.APIKey == "" || c.Search.Google.EngineID == "" {
				errs = append(errs, errors.New("search.google.api_key and search.google.engine_id are required for google"))
			}
		case "duckduckgo":
		default:
			errs = append(errs, fmt.Errorf("search provider %q is not one of google, duckduckgo", p))
		}
	}

	if c.Enrich.Enabled && c.Enrich.Endpoint == "" && !c.Enrich.PatternFallback {
		errs = append(errs, errors.New("enrich.endpoint or enrich.pattern_fallback is required when enrichment is enabled"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds a slog.Logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "console":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("config: unknown log format %q", cfg.Format)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: parse log level: %w", err)
	}
	return level, nil
}
