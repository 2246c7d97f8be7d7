package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"sitecrawl/internal/config"
)

const invalidURLMessage = "Cannot navigate to invalid URL"

// ChromeLauncher starts one headless Chrome process per session using chromedp.
type ChromeLauncher struct {
	opts   config.BrowserConfig
	logger *slog.Logger
}

// NewChromeLauncher constructs a launcher from browser configuration.
func NewChromeLauncher(opts config.BrowserConfig, logger *slog.Logger) *ChromeLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeLauncher{opts: opts, logger: logger}
}

// Launch starts a browser and enables the network and page domains.
func (l *ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", !l.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if ua := strings.TrimSpace(l.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	if l.opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if proxy := strings.TrimSpace(l.opts.ProxyURL); proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := newChromeSession(browserCtx, browserCancel, allocCancel, l.logger)
	chromedp.ListenTarget(browserCtx, s.handleEvent)

	actions := []chromedp.Action{network.Enable(), page.Enable()}
	if len(l.opts.Headers) > 0 {
		headers := make(network.Headers, len(l.opts.Headers))
		for k, v := range l.opts.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	l.logger.Debug("chrome session started", "headless", !l.opts.DisableHeadless)
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger

	mu        sync.Mutex
	handlers  map[int]ResponseHandler
	nextID    int
	referers  map[network.RequestID]string
	loaded    chan struct{}
	loadFired bool
	base      string
	closeOnce sync.Once
}

func newChromeSession(ctx context.Context, cancel, allocCancel context.CancelFunc, logger *slog.Logger) *chromeSession {
	return &chromeSession{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
		handlers:    make(map[int]ResponseHandler),
		referers:    make(map[network.RequestID]string),
		loaded:      make(chan struct{}),
	}
}

func (s *chromeSession) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		ref := headerValue(e.Request.Headers, "Referer")
		s.mu.Lock()
		s.referers[e.RequestID] = ref
		s.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		s.mu.Lock()
		ref, ok := s.referers[e.RequestID]
		delete(s.referers, e.RequestID)
		handlers := s.snapshotHandlersLocked()
		s.mu.Unlock()
		if !ok {
			ref = headerValue(e.Response.RequestHeaders, "Referer")
		}
		resp := Response{URL: e.Response.URL, Status: int(e.Response.Status), Referer: ref}
		for _, h := range handlers {
			h(resp)
		}
	case *page.EventLoadEventFired:
		s.mu.Lock()
		if !s.loadFired {
			s.loadFired = true
			close(s.loaded)
		}
		s.mu.Unlock()
	}
}

func (s *chromeSession) snapshotHandlersLocked() []ResponseHandler {
	out := make([]ResponseHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

func (s *chromeSession) OnResponse(h ResponseHandler) func() {
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

// run executes fn against the browser target. Cancelling ctx tears the
// session down since CDP calls cannot be abandoned individually.
func (s *chromeSession) run(ctx context.Context, fn func(ctx context.Context) error) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	if err := chromedp.Run(s.ctx, chromedp.ActionFunc(fn)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// resetLoad arms WaitLoad for the next navigation.
func (s *chromeSession) resetLoad() {
	s.mu.Lock()
	s.loaded = make(chan struct{})
	s.loadFired = false
	s.base = ""
	s.mu.Unlock()
}

func (s *chromeSession) Navigate(ctx context.Context, target, referer string) error {
	s.resetLoad()
	return s.run(ctx, func(ctx context.Context) error {
		params := page.Navigate(target)
		if referer != "" {
			params = params.WithReferrer(referer)
		}
		var res page.NavigateReturns
		err := cdp.Execute(ctx, page.CommandNavigate, params, &res)
		return navigateError(target, err, res.ErrorText)
	})
}

// navigateError classifies the outcome of Page.navigate. Chrome rejects
// malformed targets with a protocol error rather than an ErrorText.
func navigateError(target string, err error, errorText string) error {
	if err != nil {
		if strings.Contains(err.Error(), invalidURLMessage) {
			return fmt.Errorf("%w: %s", ErrInvalidDestination, target)
		}
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigate %s: %s", target, errorText)
	}
	return nil
}

func (s *chromeSession) WaitLoad(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("chrome session closed: %w", s.ctx.Err())
	}
}

func (s *chromeSession) Document(ctx context.Context) (NodeID, error) {
	var id NodeID
	err := s.run(ctx, func(ctx context.Context) error {
		root, err := dom.GetDocument().WithDepth(0).Do(ctx)
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		id = NodeID(root.NodeID)
		s.mu.Lock()
		s.base = nodeBase(root)
		s.mu.Unlock()
		return nil
	})
	return id, err
}

func (s *chromeSession) BaseURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base, nil
}

// nodeBase prefers the document's base URL, which Chrome derives from the
// final response URL and <base href>.
func nodeBase(root *cdp.Node) string {
	if root == nil {
		return ""
	}
	if root.BaseURL != "" {
		return root.BaseURL
	}
	return root.DocumentURL
}

func (s *chromeSession) QuerySelector(ctx context.Context, root NodeID, selector string) (NodeID, error) {
	var id NodeID
	err := s.run(ctx, func(ctx context.Context) error {
		found, err := dom.QuerySelector(cdp.NodeID(root), selector).Do(ctx)
		if err != nil {
			return fmt.Errorf("query %q: %w", selector, err)
		}
		id = NodeID(found)
		return nil
	})
	return id, err
}

func (s *chromeSession) QuerySelectorAll(ctx context.Context, root NodeID, selector string) ([]NodeID, error) {
	var ids []NodeID
	err := s.run(ctx, func(ctx context.Context) error {
		found, err := dom.QuerySelectorAll(cdp.NodeID(root), selector).Do(ctx)
		if err != nil {
			return fmt.Errorf("query all %q: %w", selector, err)
		}
		ids = make([]NodeID, 0, len(found))
		for _, f := range found {
			ids = append(ids, NodeID(f))
		}
		return nil
	})
	return ids, err
}

func (s *chromeSession) Attributes(ctx context.Context, id NodeID) ([]string, error) {
	var attrs []string
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		attrs, err = dom.GetAttributes(cdp.NodeID(id)).Do(ctx)
		if err != nil {
			return fmt.Errorf("get attributes: %w", err)
		}
		return nil
	})
	return attrs, err
}

func (s *chromeSession) Text(ctx context.Context, id NodeID) (string, error) {
	var text string
	err := s.run(ctx, func(ctx context.Context) error {
		node, err := dom.DescribeNode().WithNodeID(cdp.NodeID(id)).WithDepth(-1).Do(ctx)
		if err != nil {
			return fmt.Errorf("describe node: %w", err)
		}
		var b strings.Builder
		collectText(node, &b)
		text = b.String()
		return nil
	})
	return text, err
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}

func collectText(node *cdp.Node, b *strings.Builder) {
	if node == nil {
		return
	}
	if node.NodeType == cdp.NodeTypeText {
		b.WriteString(node.NodeValue)
	}
	for _, child := range node.Children {
		collectText(child, b)
	}
}

func headerValue(headers network.Headers, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
