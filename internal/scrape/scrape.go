// Package scrape drives a single page visit through a browser session:
// navigate, wait for load, then extract title, canonical link and anchors
// while a response listener records resource statuses.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sitecrawl/internal/browser"
	"sitecrawl/internal/urlutil"
	"sitecrawl/pkg/types"
)

const (
	canonicalSelector = "head link[rel='canonical']"
	titleSelector     = "head title"
	anchorSelector    = "a"

	MessageMissingTitle = "missing title"
)

// Scraper extracts ScrapeResults relative to a crawl's seed URL.
type Scraper struct {
	seed   string
	logger *slog.Logger
}

// New returns a Scraper that classifies links and resources against seed.
func New(seed string, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{seed: seed, logger: logger}
}

// Page visits target with sess. A destination the browser rejects as invalid
// yields a result carrying one invalid URLProblem and a nil error; every other
// session failure is returned to the caller.
func (s *Scraper) Page(ctx context.Context, sess browser.Session, target, referer string) (*types.ScrapeResult, error) {
	rec := newRecorder(target, referer, s.seed)
	unsubscribe := sess.OnResponse(rec.observe)
	defer unsubscribe()

	if err := sess.Navigate(ctx, target, referer); err != nil {
		if errors.Is(err, browser.ErrInvalidDestination) {
			unsubscribe()
			rec.addProblem(types.URLProblem{
				URL:     target,
				IsValid: false,
				Message: err.Error(),
				Referer: referer,
			})
			s.logger.Debug("invalid destination", "url", target, "referer", referer)
			return rec.finish(), nil
		}
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := sess.WaitLoad(ctx); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	root, err := sess.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	base, err := sess.BaseURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	rec.setBase(base)
	if err := s.extractHead(ctx, sess, root, rec); err != nil {
		return nil, err
	}
	if err := s.extractLinks(ctx, sess, root, rec); err != nil {
		return nil, err
	}

	unsubscribe()
	return rec.finish(), nil
}

func (s *Scraper) extractHead(ctx context.Context, sess browser.Session, root browser.NodeID, rec *recorder) error {
	canonical, err := sess.QuerySelector(ctx, root, canonicalSelector)
	if err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	if canonical != 0 {
		attrs, err := sess.Attributes(ctx, canonical)
		if err != nil {
			return fmt.Errorf("canonical attributes: %w", err)
		}
		href := browser.AttributeMap(attrs)["href"]
		rec.setCanonical(urlutil.Normalize(urlutil.Resolve(rec.base, href)))
	}

	title, err := sess.QuerySelector(ctx, root, titleSelector)
	if err != nil {
		return fmt.Errorf("title: %w", err)
	}
	if title == 0 {
		rec.addMissingTitle()
		return nil
	}
	text, err := sess.Text(ctx, title)
	if err != nil {
		return fmt.Errorf("title text: %w", err)
	}
	rec.setTitle(strings.TrimSpace(text))
	return nil
}

func (s *Scraper) extractLinks(ctx context.Context, sess browser.Session, root browser.NodeID, rec *recorder) error {
	anchors, err := sess.QuerySelectorAll(ctx, root, anchorSelector)
	if err != nil {
		return fmt.Errorf("anchors: %w", err)
	}
	for _, id := range anchors {
		flat, err := sess.Attributes(ctx, id)
		if err != nil {
			return fmt.Errorf("anchor attributes: %w", err)
		}
		attrs := browser.AttributeMap(flat)
		if hasToken(attrs["rel"], "nofollow") {
			continue
		}
		href := urlutil.Normalize(urlutil.Resolve(rec.base, attrs["href"]))
		canonical := urlutil.Normalize(urlutil.Resolve(rec.base, attrs["canonical"]))
		if !urlutil.IsCrawlable(canonical) {
			canonical = ""
		}
		key := href
		if !urlutil.IsCrawlable(key) {
			key = canonical
		}
		if key == "" {
			continue
		}
		effective := canonical
		if effective == "" {
			effective = key
		}
		rec.addLink(urlutil.IsSameOrigin(effective, s.seed), key, canonical)
	}
	return nil
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

// recorder owns the in-progress result. The response listener writes to it
// concurrently with DOM extraction, so every access goes through mu.
type recorder struct {
	target  string
	self    string
	referer string
	seed    string
	// base is what relative links resolve against. Only the extracting
	// goroutine touches it.
	base string

	mu     sync.Mutex
	done   bool
	result *types.ScrapeResult
}

func newRecorder(target, referer, seed string) *recorder {
	return &recorder{
		target:  target,
		base:    target,
		self:    urlutil.Normalize(target),
		referer: referer,
		seed:    seed,
		result:  types.NewScrapeResult(target, referer),
	}
}

func (r *recorder) observe(resp browser.Response) {
	if !urlutil.IsHTTP(resp.URL) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if resp.Status >= http.StatusBadRequest {
		r.result.Problems = append(r.result.Problems, types.URLProblem{
			URL:     resp.URL,
			IsValid: true,
			Status:  resp.Status,
			Message: statusMessage(resp.Status),
			Referer: resp.Referer,
		})
	}
	if r.self != "" && urlutil.Normalize(resp.URL) == r.self {
		r.result.Status = resp.Status
		return
	}
	res := types.Resource{URL: resp.URL, Referer: resp.Referer, Status: resp.Status}
	if urlutil.IsSameOrigin(resp.URL, r.seed) {
		r.result.InternalResources[resp.URL] = res
	} else {
		r.result.ExternalResources[resp.URL] = res
	}
}

// setBase switches link resolution to the document's own base URL.
func (r *recorder) setBase(base string) {
	if urlutil.IsHTTP(base) {
		r.base = base
	}
}

func (r *recorder) addProblem(p types.URLProblem) {
	r.mu.Lock()
	r.result.Problems = append(r.result.Problems, p)
	r.mu.Unlock()
}

func (r *recorder) addMissingTitle() {
	r.mu.Lock()
	r.result.Problems = append(r.result.Problems, types.URLProblem{
		URL:     r.target,
		IsValid: true,
		Status:  r.result.Status,
		Message: MessageMissingTitle,
		Referer: r.referer,
	})
	r.mu.Unlock()
}

func (r *recorder) setCanonical(c string) {
	r.mu.Lock()
	r.result.Canonical = c
	r.mu.Unlock()
}

func (r *recorder) setTitle(t string) {
	r.mu.Lock()
	r.result.Title = t
	r.mu.Unlock()
}

func (r *recorder) addLink(internal bool, href, canonical string) {
	r.mu.Lock()
	if internal {
		r.result.InternalLinks[href] = canonical
	} else {
		r.result.ExternalLinks[href] = canonical
	}
	r.mu.Unlock()
}

// finish freezes the result. Responses delivered after this point, for
// instance by a handler already in flight when unsubscribing, are dropped.
func (r *recorder) finish() *types.ScrapeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.result.ScrapedAt = time.Now().UTC()
	return r.result
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("HTTP %d %s", status, text)
	}
	return fmt.Sprintf("HTTP %d", status)
}
