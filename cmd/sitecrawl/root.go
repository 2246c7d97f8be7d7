package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sitecrawl/internal/config"
	"sitecrawl/internal/crawler"
	"sitecrawl/internal/report"
	"sitecrawl/pkg/types"
)

type rootFlags struct {
	configPath      string
	parallelism     int
	engine          string
	format          string
	output          string
	logLevel        string
	pageTimeout     time.Duration
	maxAttempts     int
	reportAbandoned bool
	dbDriver        string
	dbDSN           string
}

// NewRootCmd creates the sitecrawl command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootFlags{})
}

func newRootCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitecrawl [flags] [seed-url]",
		Short: "Crawl a website and report broken links and resources",
		Long: `sitecrawl visits every page reachable from the seed URL through
same-origin links, one browser session per page, and reports:

  - pages and links that answer with HTTP 4xx/5xx
  - scripts, stylesheets and images that fail to load
  - pages without a <title>
  - links that cannot be navigated to at all

The seed may be given as an argument or as crawl.seed in the config file.
Flags override values from the config file.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, flags, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	f.IntVarP(&flags.parallelism, "parallelism", "p", 0, "number of concurrent browser sessions")
	f.StringVarP(&flags.engine, "engine", "e", "", "browser engine: chromedp or static")
	f.StringVarP(&flags.format, "format", "f", "", "report format: json or markdown")
	f.StringVarP(&flags.output, "output", "o", "", "report destination, - for stdout")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.DurationVar(&flags.pageTimeout, "page-timeout", 0, "time limit for a single page attempt (0 disables)")
	f.IntVar(&flags.maxAttempts, "max-attempts", 0, "attempts per page before it is abandoned")
	f.BoolVar(&flags.reportAbandoned, "report-abandoned", false, "include pages that exhausted their retries in the report")
	f.StringVar(&flags.dbDriver, "db-driver", "", "persist results to postgres or sqlite")
	f.StringVar(&flags.dbDSN, "db-dsn", "", "data source name for --db-driver")

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, flags *rootFlags, args []string) error {
	cfg, err := buildConfig(cmd, flags, args)
	if err != nil {
		return err
	}

	stats := &lastStats{}
	engine, err := crawler.NewEngine(cfg, crawler.WithNotifiers(stats))
	if err != nil {
		return fmt.Errorf("init crawler: %w", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return crawl(ctx, engine, stats, cfg, cmd.OutOrStdout())
}

// buildConfig loads the config file, if any, and applies the flags that were
// set explicitly.
func buildConfig(cmd *cobra.Command, flags *rootFlags, args []string) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}

	changed := cmd.Flags().Changed
	if len(args) == 1 {
		cfg.Crawl.Seed = args[0]
	}
	if changed("parallelism") {
		cfg.Crawl.Parallelism = flags.parallelism
	}
	if changed("engine") {
		cfg.Browser.Engine = flags.engine
	}
	if changed("format") {
		cfg.Report.Format = flags.format
	}
	if changed("output") {
		cfg.Report.Output = flags.output
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if changed("page-timeout") {
		cfg.Crawl.PageTimeout = config.DurationFrom(flags.pageTimeout)
	}
	if changed("max-attempts") {
		cfg.Worker.MaxAttempts = flags.maxAttempts
	}
	if changed("report-abandoned") {
		cfg.Crawl.ReportAbandoned = flags.reportAbandoned
	}
	if changed("db-driver") {
		cfg.DB.Driver = flags.dbDriver
	}
	if changed("db-dsn") {
		cfg.DB.DSN = flags.dbDSN
	}

	cfg.Normalise()
	if cfg.Crawl.Seed == "" {
		return config.Config{}, errors.New("a seed URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func crawl(ctx context.Context, engine *crawler.Engine, stats *lastStats, cfg config.Config, stdout io.Writer) error {
	started := time.Now()
	progress, crawlErr := engine.Crawl(ctx, cfg.Crawl.Seed, cfg.Crawl.Parallelism)
	interrupted := errors.Is(crawlErr, context.Canceled) || errors.Is(crawlErr, context.DeadlineExceeded)
	if crawlErr != nil && !interrupted {
		return crawlErr
	}

	r := report.Report{
		Seed:        cfg.Crawl.Seed,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Interrupted: interrupted,
		Statistics:  stats.snapshot(),
		Progress:    progress,
	}
	if err := writeReport(r, cfg.Report, stdout); err != nil {
		return err
	}
	if interrupted {
		engine.Logger().Warn("crawl interrupted, report is partial", "pages", progress.NURLsScraped)
	}
	return nil
}

func writeReport(r report.Report, cfg config.ReportConfig, stdout io.Writer) error {
	if cfg.Output == "-" {
		return renderReport(r, cfg.Format, stdout)
	}
	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	fh, err := os.Create(cfg.Output)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	return renderAndClose(r, cfg.Format, fh)
}

// renderAndClose writes r to wc and closes it. A close failure is reported
// when the write itself succeeded.
func renderAndClose(r report.Report, format string, wc io.WriteCloser) (err error) {
	defer func() {
		if cerr := wc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close report file: %w", cerr)
		}
	}()
	return renderReport(r, format, wc)
}

func renderReport(r report.Report, format string, out io.Writer) error {
	w, err := report.New(format, out)
	if err != nil {
		return err
	}
	return w.Write(r)
}

// lastStats keeps the most complete statistics snapshot seen during a crawl.
type lastStats struct {
	mu    sync.Mutex
	stats types.ScrapingStatistics
	set   bool
}

func (l *lastStats) PageScraped(types.ScrapeResult) {}

func (l *lastStats) Statistics(s types.ScrapingStatistics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set || s.NSeenURLs > l.stats.NSeenURLs ||
		(s.NSeenURLs == l.stats.NSeenURLs && s.NRemainingURLs+s.ActiveLanes < l.stats.NRemainingURLs+l.stats.ActiveLanes) {
		l.stats = s
		l.set = true
	}
}

func (l *lastStats) snapshot() types.ScrapingStatistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
