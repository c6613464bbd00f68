// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	"github.com/JakeFAU/quotes-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/quotes-crawler/internal/fetcher/colly"
)

// EnvPrefix namespaces environment overrides, e.g. QUOTES_POOL_CAPACITY.
const EnvPrefix = "QUOTES"

// Output formats.
const (
	FormatDebug = "debug"
	FormatJSON  = "json"
	FormatNone  = "none"
)

// Archive providers. An empty provider disables archiving.
const (
	ArchiveNone   = ""
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site    SiteConfig    `mapstructure:"site"`
	Pool    PoolConfig    `mapstructure:"pool"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Extract ExtractConfig `mapstructure:"extract"`
	Output  OutputConfig  `mapstructure:"output"`
	Archive ArchiveConfig `mapstructure:"archive"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SiteConfig describes the paginated listing to crawl.
type SiteConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	PathTemplate string `mapstructure:"path_template"`
	FirstPage    int    `mapstructure:"first_page"`
	LastPage     int    `mapstructure:"last_page"`
	UserAgent    string `mapstructure:"user_agent"`
}

// PoolConfig bounds concurrent page work.
type PoolConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	RespectRobots     bool    `mapstructure:"respect_robots"`
	MaxBodyBytes      int     `mapstructure:"max_body_bytes"`
}

// ExtractConfig holds record selectors and the failure policy.
type ExtractConfig struct {
	Container string `mapstructure:"container"`
	Text      string `mapstructure:"text"`
	Author    string `mapstructure:"author"`
	Tag       string `mapstructure:"tag"`
	Strict    bool   `mapstructure:"strict"`
}

// OutputConfig selects the stdout record format.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// ArchiveConfig controls raw page archiving.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the Postgres sink when DSN is set.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig enables the Pub/Sub sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the ops HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://quotes.toscrape.com/")
	v.SetDefault("site.path_template", collyfetcher.DefaultPathTemplate)
	v.SetDefault("site.first_page", 1)
	v.SetDefault("site.last_page", 19)
	v.SetDefault("site.user_agent", collyfetcher.DefaultUserAgent)
	v.SetDefault("pool.capacity", 16)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("extract.container", extract.DefaultContainer)
	v.SetDefault("extract.text", extract.DefaultText)
	v.SetDefault("extract.author", extract.DefaultAuthor)
	v.SetDefault("extract.tag", extract.DefaultTag)
	v.SetDefault("extract.strict", false)
	v.SetDefault("output.format", FormatDebug)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "quotes")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("site.base_url must be an absolute http(s) url")
	}
	if !strings.Contains(c.Site.PathTemplate, "%d") {
		return errors.New("site.path_template must contain %d")
	}
	if c.Site.FirstPage < 1 {
		return errors.New("site.first_page must be >= 1")
	}
	if c.Site.LastPage < c.Site.FirstPage {
		return errors.New("site.last_page must be >= site.first_page")
	}
	if c.Pool.Capacity < 1 {
		return errors.New("pool.capacity must be >= 1")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return errors.New("http.requests_per_second must be >= 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return errors.New("http.max_body_bytes must be >= 0")
	}
	switch c.Output.Format {
	case FormatDebug, FormatJSON, FormatNone:
	default:
		return fmt.Errorf("output.format must be one of debug, json, none; got %q", c.Output.Format)
	}
	switch c.Archive.Provider {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.BaseDir) == "" {
			return errors.New("archive.base_dir must be set when archive.provider is local")
		}
	case ArchiveGCS:
		if strings.TrimSpace(c.Archive.GCSBucket) == "" {
			return errors.New("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be one of memory, local, gcs; got %q", c.Archive.Provider)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Pages returns the configured page range.
func (c Config) Pages() crawler.PageRange {
	return crawler.PageRange{First: c.Site.FirstPage, Last: c.Site.LastPage}
}

// Timeout converts http.timeout_seconds into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Selectors returns the extractor selector set.
func (c Config) Selectors() extract.Selectors {
	return extract.Selectors{
		Container: c.Extract.Container,
		Text:      c.Extract.Text,
		Author:    c.Extract.Author,
		Tag:       c.Extract.Tag,
	}
}
