package types

import (
	"math"
	"time"
)

// URLProblem is a lint finding attached to a page: a broken link or resource,
// an invalid destination, or a missing title.
type URLProblem struct {
	URL     string `json:"url"`
	IsValid bool   `json:"is_valid"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Referer string `json:"referer,omitempty"`
}

// Resource records one network response observed while a page loaded.
type Resource struct {
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
	Status  int    `json:"status"`
}

// ScrapeResult aggregates everything found on a single page visit.
//
// Link maps are keyed by the normalized href; the value is the normalized
// canonical override declared on the anchor, or empty.
type ScrapeResult struct {
	URL               string              `json:"url"`
	Referer           string              `json:"referer,omitempty"`
	Status            int                 `json:"status"`
	Title             string              `json:"title"`
	Canonical         string              `json:"canonical,omitempty"`
	InternalLinks     map[string]string   `json:"internal_links"`
	ExternalLinks     map[string]string   `json:"external_links"`
	InternalResources map[string]Resource `json:"internal_resources"`
	ExternalResources map[string]Resource `json:"external_resources"`
	Problems          []URLProblem        `json:"problems"`
	ScrapedAt         time.Time           `json:"scraped_at"`
}

// NewScrapeResult returns an empty result for target with all maps allocated.
func NewScrapeResult(target, referer string) *ScrapeResult {
	return &ScrapeResult{
		URL:               target,
		Referer:           referer,
		InternalLinks:     make(map[string]string),
		ExternalLinks:     make(map[string]string),
		InternalResources: make(map[string]Resource),
		ExternalResources: make(map[string]Resource),
		Problems:          []URLProblem{},
	}
}

// LinkTargets returns the effective destination of every internal link: the
// canonical override when present, the href otherwise.
func (r ScrapeResult) LinkTargets() []string {
	targets := make([]string, 0, len(r.InternalLinks))
	for href, canonical := range r.InternalLinks {
		if canonical != "" {
			targets = append(targets, canonical)
			continue
		}
		targets = append(targets, href)
	}
	return targets
}

// ScrapingProgress accumulates results across a crawl.
type ScrapingProgress struct {
	NURLsScraped int            `json:"n_urls_scraped"`
	Results      []ScrapeResult `json:"results"`
}

// EmptyProgress is the identity element for Merge.
func EmptyProgress() ScrapingProgress {
	return ScrapingProgress{Results: []ScrapeResult{}}
}

// ProgressOf wraps a single page result.
func ProgressOf(result ScrapeResult) ScrapingProgress {
	return ScrapingProgress{NURLsScraped: 1, Results: []ScrapeResult{result}}
}

// Merge combines progress values. It is associative, EmptyProgress is its
// identity, and results keep argument order.
func Merge(parts ...ScrapingProgress) ScrapingProgress {
	total := 0
	for _, p := range parts {
		total += len(p.Results)
	}
	out := ScrapingProgress{Results: make([]ScrapeResult, 0, total)}
	for _, p := range parts {
		out.NURLsScraped += p.NURLsScraped
		out.Results = append(out.Results, p.Results...)
	}
	return out
}

// ProblemCount sums problems across all results.
func (p ScrapingProgress) ProblemCount() int {
	n := 0
	for _, r := range p.Results {
		n += len(r.Problems)
	}
	return n
}

// ScrapingStatistics is a point-in-time snapshot of crawl bookkeeping.
type ScrapingStatistics struct {
	NRemainingURLs         int `json:"n_remaining_urls"`
	NSeenURLs              int `json:"n_seen_urls"`
	ActiveLanes            int `json:"active_lanes"`
	ApproximatePctComplete int `json:"approximate_pct_complete"`
}

// NewStatistics derives the completion percentage from seen and remaining counts.
func NewStatistics(remaining, seen, active int) ScrapingStatistics {
	pct := 0
	if total := seen + remaining; total > 0 {
		pct = int(math.Round(100 * float64(seen) / float64(total)))
	}
	return ScrapingStatistics{
		NRemainingURLs:         remaining,
		NSeenURLs:              seen,
		ActiveLanes:            active,
		ApproximatePctComplete: pct,
	}
}
