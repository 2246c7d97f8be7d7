package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run a site crawl.
type Config struct {
	Crawl   CrawlConfig   `yaml:"crawl"`
	Worker  WorkerConfig  `yaml:"worker"`
	Browser BrowserConfig `yaml:"browser"`
	DB      SQLConfig     `yaml:"db"`
	Report  ReportConfig  `yaml:"report"`
	Logging LoggingConfig `yaml:"logging"`
}

// CrawlConfig controls the frontier and lane scheduling.
type CrawlConfig struct {
	Seed            string   `yaml:"seed"`
	Parallelism     int      `yaml:"parallelism"`
	PageTimeout     Duration `yaml:"page_timeout"`
	ReportAbandoned bool     `yaml:"report_abandoned"`
}

// WorkerConfig controls the per-page retry policy.
type WorkerConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// BrowserConfig selects and tunes the browser automation backend.
type BrowserConfig struct {
	Engine           string            `yaml:"engine"`
	DisableHeadless  bool              `yaml:"disable_headless"`
	ExecPath         string            `yaml:"exec_path"`
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	ProxyURL         string            `yaml:"proxy_url"`
	RequestTimeout   Duration          `yaml:"request_timeout"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes"`
	ProbeResources   bool              `yaml:"probe_resources"`
	ProbeConcurrency int               `yaml:"probe_concurrency"`
}

// SQLConfig describes an optional relational sink for scrape results.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// ReportConfig selects how the final progress is rendered.
type ReportConfig struct {
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

const (
	EngineChromedp = "chromedp"
	EngineStatic   = "static"

	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			Parallelism: 4,
		},
		Worker: WorkerConfig{
			MaxAttempts:  3,
			RetryBackoff: DurationFrom(time.Second),
		},
		Browser: BrowserConfig{
			Engine:           EngineChromedp,
			UserAgent:        "sitecrawl-bot/1.0",
			Headers:          map[string]string{},
			RequestTimeout:   DurationFrom(30 * time.Second),
			MaxBodyBytes:     6 * 1024 * 1024,
			ProbeResources:   true,
			ProbeConcurrency: 4,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Report: ReportConfig{
			Format: FormatJSON,
			Output: "-",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants. The seed is checked by the engine
// since it may be supplied on the command line after loading.
func (c Config) Validate() error {
	if c.Crawl.Parallelism <= 0 {
		return fmt.Errorf("crawl.parallelism must be > 0 (got %d)", c.Crawl.Parallelism)
	}
	if c.Crawl.PageTimeout.Duration < 0 {
		return fmt.Errorf("crawl.page_timeout must be >= 0 (got %s)", c.Crawl.PageTimeout)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0 (got %d)", c.Worker.MaxAttempts)
	}
	if c.Worker.RetryBackoff.Duration < 0 {
		return fmt.Errorf("worker.retry_backoff must be >= 0 (got %s)", c.Worker.RetryBackoff)
	}
	switch c.Browser.Engine {
	case EngineChromedp, EngineStatic:
	default:
		return fmt.Errorf("unsupported browser engine %q", c.Browser.Engine)
	}
	if c.Browser.MaxBodyBytes <= 0 {
		return fmt.Errorf("browser.max_body_bytes must be > 0 (got %d)", c.Browser.MaxBodyBytes)
	}
	if c.Browser.ProbeConcurrency < 0 {
		return fmt.Errorf("browser.probe_concurrency must be >= 0 (got %d)", c.Browser.ProbeConcurrency)
	}
	if strings.TrimSpace(c.Browser.UserAgent) == "" {
		return errors.New("browser.user_agent must be set")
	}
	if (c.DB.Driver == "") != (c.DB.DSN == "") {
		return errors.New("db.driver and db.dsn must be set together")
	}
	switch c.DB.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	switch c.Report.Format {
	case FormatJSON, FormatMarkdown:
	default:
		return fmt.Errorf("unsupported report format %q", c.Report.Format)
	}
	return nil
}

// Normalise trims and lower-cases enumerated values in place.
func (c *Config) Normalise() {
	c.Crawl.Seed = strings.TrimSpace(c.Crawl.Seed)
	c.Browser.Engine = strings.ToLower(strings.TrimSpace(c.Browser.Engine))
	if c.Browser.Engine == "chrome" {
		c.Browser.Engine = EngineChromedp
	}
	c.Browser.UserAgent = strings.TrimSpace(c.Browser.UserAgent)
	c.Browser.ExecPath = strings.TrimSpace(c.Browser.ExecPath)
	if c.Browser.Headers == nil {
		c.Browser.Headers = make(map[string]string)
	}
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Report.Format = strings.ToLower(strings.TrimSpace(c.Report.Format))
	if c.Report.Format == "md" {
		c.Report.Format = FormatMarkdown
	}
	c.Report.Output = strings.TrimSpace(c.Report.Output)
	if c.Report.Output == "" {
		c.Report.Output = "-"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}
