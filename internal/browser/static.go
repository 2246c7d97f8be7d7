package browser

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"sitecrawl/internal/config"
	"sitecrawl/internal/urlutil"
)

// resourceSelectors lists the sub-resources a static session probes to mimic
// the network activity a real browser would generate while loading a page.
var resourceSelectors = []struct {
	selector string
	attr     string
}{
	{selector: "img[src]", attr: "src"},
	{selector: "script[src]", attr: "src"},
	{selector: "link[rel~='stylesheet'][href]", attr: "href"},
	{selector: "link[rel~='icon'][href]", attr: "href"},
}

// StaticLauncher serves sessions backed by plain HTTP and a parsed DOM. No
// JavaScript runs; it is meant for server-rendered sites and for tests.
type StaticLauncher struct {
	client           *http.Client
	userAgent        string
	extraHeaders     map[string]string
	maxBodyBytes     int64
	probeResources   bool
	probeConcurrency int
	logger           *slog.Logger
}

// NewStaticLauncher constructs a launcher using the provided options.
func NewStaticLauncher(opts config.BrowserConfig, logger *slog.Logger) (*StaticLauncher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 5 * 1024 * 1024
	}
	probeConcurrency := opts.ProbeConcurrency
	if probeConcurrency <= 0 {
		probeConcurrency = 1
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &StaticLauncher{
		client:           &http.Client{Timeout: timeout, Transport: transport},
		userAgent:        opts.UserAgent,
		extraHeaders:     headers,
		maxBodyBytes:     maxBody,
		probeResources:   opts.ProbeResources,
		probeConcurrency: probeConcurrency,
		logger:           logger,
	}, nil
}

// WithClient replaces the HTTP client, mainly for tests.
func (l *StaticLauncher) WithClient(client *http.Client) *StaticLauncher {
	l.client = client
	return l
}

// Launch returns a fresh session. It never fails.
func (l *StaticLauncher) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticSession{
		launcher: l,
		handlers: make(map[int]ResponseHandler),
		nodes:    make(map[NodeID]*html.Node),
		ids:      make(map[*html.Node]NodeID),
	}, nil
}

type staticSession struct {
	launcher *StaticLauncher

	hmu      sync.Mutex
	handlers map[int]ResponseHandler
	nextSub  int

	mu     sync.Mutex
	closed bool
	root   *html.Node
	base   string
	nodes  map[NodeID]*html.Node
	ids    map[*html.Node]NodeID
	nextID NodeID
}

func (s *staticSession) OnResponse(h ResponseHandler) func() {
	s.hmu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = h
	s.hmu.Unlock()
	return func() {
		s.hmu.Lock()
		delete(s.handlers, id)
		s.hmu.Unlock()
	}
}

func (s *staticSession) emit(resp Response) {
	s.hmu.Lock()
	handlers := make([]ResponseHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.hmu.Unlock()
	for _, h := range handlers {
		h(resp)
	}
}

func (s *staticSession) Navigate(ctx context.Context, target, referer string) error {
	s.mu.Lock()
	closed := s.closed
	s.root = nil
	s.base = ""
	s.nodes = make(map[NodeID]*html.Node)
	s.ids = make(map[*html.Node]NodeID)
	s.mu.Unlock()
	if closed {
		return errors.New("static session closed")
	}
	if !urlutil.IsHTTP(target) {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, target)
	}

	l := s.launcher
	resp, err := l.do(ctx, http.MethodGet, target, referer)
	if err != nil {
		return fmt.Errorf("http navigate: %w", err)
	}
	body, err := l.readBody(resp)
	if err != nil {
		return err
	}
	s.emit(Response{URL: target, Status: resp.StatusCode, Referer: referer})

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	base := documentBase(doc, target, resp)
	s.mu.Lock()
	s.root = root
	s.base = base
	s.mu.Unlock()

	if !l.probeResources {
		return nil
	}
	s.probe(ctx, doc, base)
	return nil
}

// documentBase is the URL the client ended up at after redirects, replaced by
// the first <base href> when that resolves to an http(s) URL.
func documentBase(doc *goquery.Document, target string, resp *http.Response) string {
	base := target
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}
	if href, ok := doc.Find("head base[href]").First().Attr("href"); ok {
		if resolved := urlutil.Resolve(base, href); urlutil.IsHTTP(resolved) {
			base = resolved
		}
	}
	return base
}

// probe issues HEAD requests for embedded resources and reports each
// response the way a browser's network listener would.
func (s *staticSession) probe(ctx context.Context, doc *goquery.Document, base string) {
	seen := make(map[string]struct{})
	var targets []string
	for _, rs := range resourceSelectors {
		doc.Find(rs.selector).Each(func(_ int, sel *goquery.Selection) {
			raw, _ := sel.Attr(rs.attr)
			abs := urlutil.Resolve(base, raw)
			if !urlutil.IsHTTP(abs) {
				return
			}
			if _, ok := seen[abs]; ok {
				return
			}
			seen[abs] = struct{}{}
			targets = append(targets, abs)
		})
	}
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.launcher.probeConcurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			resp, err := s.launcher.do(gctx, http.MethodHead, target, base)
			if err != nil {
				// A request that never produced a response is invisible to
				// a browser's response listener too.
				s.launcher.logger.Debug("resource probe failed", "url", target, "error", err)
				return nil
			}
			_ = resp.Body.Close()
			s.emit(Response{URL: target, Status: resp.StatusCode, Referer: base})
			return nil
		})
	}
	_ = g.Wait()
}

func (s *staticSession) WaitLoad(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return errors.New("no document loaded")
	}
	return nil
}

func (s *staticSession) Document(ctx context.Context) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return 0, errors.New("no document loaded")
	}
	return s.idForLocked(s.root), nil
}

func (s *staticSession) BaseURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return "", errors.New("no document loaded")
	}
	return s.base, nil
}

func (s *staticSession) idForLocked(n *html.Node) NodeID {
	if id, ok := s.ids[n]; ok {
		return id
	}
	s.nextID++
	s.ids[n] = s.nextID
	s.nodes[s.nextID] = n
	return s.nextID
}

func (s *staticSession) find(root NodeID, selector string) (*goquery.Selection, error) {
	n, ok := s.nodes[root]
	if !ok {
		return nil, fmt.Errorf("unknown node %d", root)
	}
	return goquery.NewDocumentFromNode(n).Find(selector), nil
}

func (s *staticSession) QuerySelector(ctx context.Context, root NodeID, selector string) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.find(root, selector)
	if err != nil {
		return 0, err
	}
	if sel.Length() == 0 {
		return 0, nil
	}
	return s.idForLocked(sel.Get(0)), nil
}

func (s *staticSession) QuerySelectorAll(ctx context.Context, root NodeID, selector string) ([]NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.find(root, selector)
	if err != nil {
		return nil, err
	}
	ids := make([]NodeID, 0, sel.Length())
	for _, n := range sel.Nodes {
		ids = append(ids, s.idForLocked(n))
	}
	return ids, nil
}

func (s *staticSession) Attributes(ctx context.Context, id NodeID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %d", id)
	}
	flat := make([]string, 0, 2*len(n.Attr))
	for _, a := range n.Attr {
		flat = append(flat, a.Key, a.Val)
	}
	return flat, nil
}

func (s *staticSession) Text(ctx context.Context, id NodeID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", fmt.Errorf("unknown node %d", id)
	}
	return goquery.NewDocumentFromNode(n).Text(), nil
}

func (s *staticSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.root = nil
	s.nodes = nil
	s.ids = nil
	s.mu.Unlock()
	return nil
}

func (l *StaticLauncher) do(ctx context.Context, method, target, referer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	for k, v := range l.extraHeaders {
		req.Header.Set(k, v)
	}
	return l.client.Do(req)
}

func (l *StaticLauncher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, l.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > l.maxBodyBytes {
		body = body[:l.maxBodyBytes]
	}
	return body, nil
}
