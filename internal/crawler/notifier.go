package crawler

import (
	"log/slog"

	"sitecrawl/pkg/types"
)

// Notifier receives crawl events. Methods are called from lane goroutines,
// possibly concurrently, and must not block the crawl.
type Notifier interface {
	PageScraped(result types.ScrapeResult)
	Statistics(stats types.ScrapingStatistics)
}

// Notifiers fans events out to every member in order.
type Notifiers []Notifier

func (n Notifiers) PageScraped(result types.ScrapeResult) {
	for _, x := range n {
		x.PageScraped(result)
	}
}

func (n Notifiers) Statistics(stats types.ScrapingStatistics) {
	for _, x := range n {
		x.Statistics(stats)
	}
}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	OnPage  func(types.ScrapeResult)
	OnStats func(types.ScrapingStatistics)
}

func (f NotifierFuncs) PageScraped(result types.ScrapeResult) {
	if f.OnPage != nil {
		f.OnPage(result)
	}
}

func (f NotifierFuncs) Statistics(stats types.ScrapingStatistics) {
	if f.OnStats != nil {
		f.OnStats(stats)
	}
}

// LogNotifier logs pages at info and statistics at debug.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) PageScraped(result types.ScrapeResult) {
	l.Logger.Info("page scraped",
		"url", result.URL,
		"status", result.Status,
		"internal_links", len(result.InternalLinks),
		"external_links", len(result.ExternalLinks),
		"problems", len(result.Problems),
	)
}

func (l LogNotifier) Statistics(stats types.ScrapingStatistics) {
	l.Logger.Debug("crawl statistics",
		"remaining", stats.NRemainingURLs,
		"seen", stats.NSeenURLs,
		"active_lanes", stats.ActiveLanes,
		"pct", stats.ApproximatePctComplete,
	)
}
