// Package browsertest provides an in-memory browser.Launcher serving a fixed
// set of pages, with counters for asserting on session and navigation use.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sitecrawl/internal/browser"
)

const (
	documentNode  browser.NodeID = 1
	titleNode     browser.NodeID = 2
	canonicalNode browser.NodeID = 3
	firstAnchor   browser.NodeID = 100
)

// Page describes what a fake session serves for one URL.
type Page struct {
	// Status of the document response; 0 means 200.
	Status int
	// Title is served inside <head><title> unless NoTitle is set.
	Title   string
	NoTitle bool
	// Canonical is the href of <head><link rel="canonical">, if non-empty.
	Canonical string
	// BaseURL is what Session.BaseURL reports, as after a redirect or with
	// <base href>. Empty means the navigation target.
	BaseURL string
	// Anchors holds flat attribute lists, one per <a> element.
	Anchors [][]string
	// Responses are emitted after the document response.
	Responses []browser.Response
	// NavigateErr, when set, is returned by Navigate before anything is emitted.
	NavigateErr error
	// QueryErr, when set, is returned by every DOM query.
	QueryErr error
}

// Links builds anchors from hrefs.
func Links(hrefs ...string) [][]string {
	out := make([][]string, 0, len(hrefs))
	for _, h := range hrefs {
		out = append(out, []string{"href", h})
	}
	return out
}

// Site is a browser.Launcher over a map of pages keyed by navigation target.
// Unknown targets are served as untitled 404 pages.
type Site struct {
	// Delay is slept inside Navigate to make visits overlap.
	Delay time.Duration
	// LaunchErr, when set, fails every Launch.
	LaunchErr error

	mu          sync.Mutex
	pages       map[string]Page
	failures    map[string]int
	launched    int
	open        int
	maxOpen     int
	navigations map[string]int
	inflight    map[string]int
	overlapped  []string
	order       []string
}

// NewSite returns an empty site.
func NewSite() *Site {
	return &Site{
		pages:       make(map[string]Page),
		failures:    make(map[string]int),
		navigations: make(map[string]int),
		inflight:    make(map[string]int),
	}
}

// Add registers a page served at target.
func (s *Site) Add(target string, p Page) *Site {
	s.mu.Lock()
	s.pages[target] = p
	s.mu.Unlock()
	return s
}

// FailFirst makes the next n navigations to target fail with a transient error.
func (s *Site) FailFirst(target string, n int) *Site {
	s.mu.Lock()
	s.failures[target] = n
	s.mu.Unlock()
	return s
}

// Launch implements browser.Launcher.
func (s *Site) Launch(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.LaunchErr != nil {
		return nil, s.LaunchErr
	}
	s.mu.Lock()
	s.launched++
	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	s.mu.Unlock()
	return &session{site: s, handlers: make(map[int]browser.ResponseHandler)}, nil
}

// Launched returns the number of sessions started.
func (s *Site) Launched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched
}

// Open returns the number of sessions not yet closed.
func (s *Site) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// MaxOpen returns the highest number of simultaneously open sessions.
func (s *Site) MaxOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// Navigations returns how many times target was navigated to.
func (s *Site) Navigations(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigations[target]
}

// Visited returns navigation targets in the order they were first requested.
func (s *Site) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Overlapped lists targets that were navigated to by two sessions at once.
func (s *Site) Overlapped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.overlapped...)
}

type session struct {
	site *Site

	mu       sync.Mutex
	handlers map[int]browser.ResponseHandler
	nextID   int
	page     *Page
	target   string
	closed   bool
}

func (s *session) OnResponse(h browser.ResponseHandler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Subscribers reports the number of live response handlers.
func (s *session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *session) emit(resp browser.Response) {
	s.mu.Lock()
	handlers := make([]browser.ResponseHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(resp)
	}
}

func (s *session) Navigate(ctx context.Context, target, referer string) error {
	site := s.site
	site.mu.Lock()
	if site.navigations[target] == 0 {
		site.order = append(site.order, target)
	}
	site.navigations[target]++
	site.inflight[target]++
	if site.inflight[target] > 1 {
		site.overlapped = append(site.overlapped, target)
	}
	page, ok := site.pages[target]
	if !ok {
		page = Page{Status: 404, NoTitle: true}
	}
	fail := site.failures[target] > 0
	if fail {
		site.failures[target]--
	}
	delay := site.Delay
	site.mu.Unlock()

	defer func() {
		site.mu.Lock()
		site.inflight[target]--
		site.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("navigate %s: transient failure", target)
	}
	if page.NavigateErr != nil {
		return page.NavigateErr
	}

	status := page.Status
	if status == 0 {
		status = 200
	}
	s.emit(browser.Response{URL: target, Status: status, Referer: referer})
	for _, r := range page.Responses {
		if r.Referer == "" {
			r.Referer = target
		}
		s.emit(r)
	}

	s.mu.Lock()
	s.page = &page
	s.target = target
	s.mu.Unlock()
	return nil
}

func (s *session) loaded() (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.page == nil {
		return nil, errors.New("no document loaded")
	}
	return s.page, nil
}

func (s *session) WaitLoad(ctx context.Context) error {
	_, err := s.loaded()
	return err
}

func (s *session) Document(ctx context.Context) (browser.NodeID, error) {
	p, err := s.loaded()
	if err != nil {
		return 0, err
	}
	if p.QueryErr != nil {
		return 0, p.QueryErr
	}
	return documentNode, nil
}

func (s *session) BaseURL(ctx context.Context) (string, error) {
	p, err := s.loaded()
	if err != nil {
		return "", err
	}
	if p.BaseURL != "" {
		return p.BaseURL, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, nil
}

func (s *session) QuerySelector(ctx context.Context, root browser.NodeID, selector string) (browser.NodeID, error) {
	p, err := s.loaded()
	if err != nil {
		return 0, err
	}
	if p.QueryErr != nil {
		return 0, p.QueryErr
	}
	switch selector {
	case "head title":
		if p.NoTitle {
			return 0, nil
		}
		return titleNode, nil
	case "head link[rel='canonical']":
		if p.Canonical == "" {
			return 0, nil
		}
		return canonicalNode, nil
	default:
		return 0, nil
	}
}

func (s *session) QuerySelectorAll(ctx context.Context, root browser.NodeID, selector string) ([]browser.NodeID, error) {
	p, err := s.loaded()
	if err != nil {
		return nil, err
	}
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	if selector != "a" {
		return nil, nil
	}
	ids := make([]browser.NodeID, 0, len(p.Anchors))
	for i := range p.Anchors {
		ids = append(ids, firstAnchor+browser.NodeID(i))
	}
	return ids, nil
}

func (s *session) Attributes(ctx context.Context, id browser.NodeID) ([]string, error) {
	p, err := s.loaded()
	if err != nil {
		return nil, err
	}
	switch {
	case id == canonicalNode:
		return []string{"rel", "canonical", "href", p.Canonical}, nil
	case id >= firstAnchor && int(id-firstAnchor) < len(p.Anchors):
		return p.Anchors[id-firstAnchor], nil
	default:
		return nil, fmt.Errorf("unknown node %d", id)
	}
}

func (s *session) Text(ctx context.Context, id browser.NodeID) (string, error) {
	p, err := s.loaded()
	if err != nil {
		return "", err
	}
	if id != titleNode {
		return "", fmt.Errorf("unknown node %d", id)
	}
	return p.Title, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.site.mu.Lock()
	s.site.open--
	s.site.mu.Unlock()
	return nil
}
