// Package crawler implements the crawl orchestration engine: a shared
// frontier drained by a fixed number of lanes, each visiting one page at a
// time with a fresh browser session and a bounded retry policy.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"sitecrawl/internal/browser"
	"sitecrawl/internal/config"
	"sitecrawl/internal/scrape"
	"sitecrawl/internal/storage"
	"sitecrawl/internal/urlutil"
	"sitecrawl/pkg/types"
)

var (
	// ErrInvalidSeed is returned when the seed is not an absolute http(s) URL.
	ErrInvalidSeed = errors.New("seed must be an absolute http or https URL")
	// ErrInvalidParallelism is returned when fewer than one lane is requested.
	ErrInvalidParallelism = errors.New("parallelism must be at least 1")
)

// MessageRetriesExhausted prefixes the problem recorded for an abandoned page
// when abandoned pages are reported.
const MessageRetriesExhausted = "retries exhausted"

// Engine crawls one site at a time. It is safe to reuse across crawls but
// not to run two crawls concurrently when a SQL sink is configured.
type Engine struct {
	cfg       config.Config
	launcher  browser.Launcher
	notifiers Notifiers
	store     *storage.SQLWriter

	logger *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// Option customises an Engine.
type Option func(*Engine)

// WithLauncher replaces the launcher built from the browser configuration.
func WithLauncher(l browser.Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// WithNotifiers registers additional notifiers, called in order.
func WithNotifiers(n ...Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n...) }
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a crawl engine from configuration.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		logger, err := buildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		e.logger = logger
	}
	if e.launcher == nil {
		launcher, err := browser.NewLauncher(cfg.Browser, e.logger)
		if err != nil {
			return nil, fmt.Errorf("browser launcher: %w", err)
		}
		e.launcher = launcher
	}
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlWriter, err := storage.NewSQLWriter(cfg.DB)
		if err != nil {
			return nil, err
		}
		e.store = sqlWriter
		e.closers = append(e.closers, sqlWriter.Close)
	}
	if cfg.Worker.MaxAttempts <= 0 {
		e.cfg.Worker.MaxAttempts = 1
	}
	return e, nil
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Crawl visits every page reachable from seed through same-origin links,
// using at most parallelism concurrent browser sessions. Invalid arguments
// fail before any session is launched. When ctx is cancelled the lanes stop
// taking new pages and Crawl returns what was scraped so far with ctx.Err().
func (e *Engine) Crawl(ctx context.Context, seed string, parallelism int) (types.ScrapingProgress, error) {
	if !urlutil.IsHTTP(seed) {
		return types.EmptyProgress(), fmt.Errorf("%w: %q", ErrInvalidSeed, seed)
	}
	pool, err := NewLanePool(parallelism)
	if err != nil {
		return types.EmptyProgress(), fmt.Errorf("%w: %d", err, parallelism)
	}

	start := urlutil.Normalize(seed)
	frontier := NewFrontier()
	frontier.Push(start, "")
	stop := context.AfterFunc(ctx, frontier.Close)
	defer stop()

	notifier, finish := e.sinks(ctx, start)
	scraper := scrape.New(start, e.logger)
	lanes := make([]types.ScrapingProgress, parallelism)

	e.logger.Info("crawl started", "seed", start, "parallelism", parallelism)
	began := time.Now()
	pool.Run(ctx, func(ctx context.Context, id int) {
		lanes[id] = e.runLane(ctx, id, frontier, scraper, notifier)
	})
	progress := types.Merge(lanes...)
	finish(progress)

	stats := frontier.Stats()
	e.logger.Info("crawl finished",
		"seed", start,
		"pages", progress.NURLsScraped,
		"seen", stats.NSeenURLs,
		"problems", progress.ProblemCount(),
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	if err := ctx.Err(); err != nil {
		return progress, err
	}
	return progress, nil
}

// sinks combines the configured notifiers with the SQL sink for this crawl.
// The returned function flushes the sink once the crawl is over.
func (e *Engine) sinks(ctx context.Context, seed string) (Notifier, func(types.ScrapingProgress)) {
	notifiers := append(Notifiers{LogNotifier{Logger: e.logger}}, e.notifiers...)
	if e.store == nil {
		return notifiers, func(types.ScrapingProgress) {}
	}
	crawlID, err := e.store.BeginCrawl(ctx, seed, time.Now())
	if err != nil {
		e.logger.Error("sql sink disabled for this crawl", "error", err)
		return notifiers, func(types.ScrapingProgress) {}
	}
	sink := storage.NewStoreNotifier(e.store, crawlID, e.logger)
	notifiers = append(notifiers, sink)
	return notifiers, func(progress types.ScrapingProgress) {
		_ = sink.Close()
		saved, failed := sink.Counts()
		if err := e.store.FinishCrawl(context.WithoutCancel(ctx), crawlID, time.Now(), progress.NURLsScraped); err != nil {
			e.logger.Error("finish crawl record", "crawl_id", crawlID, "error", err)
		}
		e.logger.Info("results persisted", "crawl_id", crawlID, "saved", saved, "failed", failed)
	}
}

func (e *Engine) runLane(ctx context.Context, id int, frontier *Frontier, scraper *scrape.Scraper, notifier Notifier) types.ScrapingProgress {
	progress := types.EmptyProgress()
	logger := e.logger.With("lane", id)
	for {
		next, ok := frontier.Next()
		if !ok {
			return progress
		}
		result := e.visit(ctx, logger.With("url", next.URL), scraper, next)

		var links []string
		if result != nil {
			progress = types.Merge(progress, types.ProgressOf(*result))
			links = result.LinkTargets()
		}
		stats := frontier.Complete(next.URL, links)
		if result != nil {
			notifier.PageScraped(*result)
		}
		notifier.Statistics(stats)
	}
}

// visit runs the scrape protocol with retries. It returns nil when the page
// is abandoned and abandoned pages are not reported, or when ctx ends.
func (e *Engine) visit(ctx context.Context, logger *slog.Logger, scraper *scrape.Scraper, next Entry) *types.ScrapeResult {
	attempts := e.cfg.Worker.MaxAttempts
	backoff := e.cfg.Worker.RetryBackoff.Duration

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff); err != nil {
				return nil
			}
		}
		result, err := e.attempt(ctx, scraper, next)
		if err == nil {
			return result
		}
		if ctx.Err() != nil {
			logger.Debug("visit interrupted", "error", err)
			return nil
		}
		lastErr = err
		logger.Warn("visit attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	logger.Warn("page abandoned", "attempts", attempts, "error", lastErr)
	if !e.cfg.Crawl.ReportAbandoned {
		return nil
	}
	result := types.NewScrapeResult(next.URL, next.Referer)
	result.Problems = append(result.Problems, types.URLProblem{
		URL:     next.URL,
		IsValid: true,
		Message: fmt.Sprintf("%s after %d attempts: %v", MessageRetriesExhausted, attempts, lastErr),
		Referer: next.Referer,
	})
	result.ScrapedAt = time.Now().UTC()
	return result
}

// attempt owns exactly one session for exactly one page visit.
func (e *Engine) attempt(ctx context.Context, scraper *scrape.Scraper, next Entry) (*types.ScrapeResult, error) {
	if timeout := e.cfg.Crawl.PageTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sess, err := e.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			e.logger.Debug("close session", "url", next.URL, "error", cerr)
		}
	}()
	return scraper.Page(ctx, sess, next.URL, next.Referer)
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
