package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetachedChromeSession(t *testing.T) (*chromeSession, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newChromeSession(ctx, cancel, func() {}, slog.New(slog.NewTextHandler(io.Discard, nil))), cancel
}

func TestChromeSessionResponseEvents(t *testing.T) {
	t.Parallel()

	s, _ := newDetachedChromeSession(t)
	var rec recordedResponses
	unsubscribe := s.OnResponse(rec.add)
	var other recordedResponses
	s.OnResponse(other.add)

	s.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "doc",
		Request:   &network.Request{URL: "http://x.test/page", Headers: network.Headers{"referer": "http://x.test"}},
	})
	s.handleEvent(&network.EventResponseReceived{
		RequestID: "doc",
		Response:  &network.Response{URL: "http://x.test/page", Status: 200},
	})
	// No matching request: the referer falls back to the response's request headers.
	s.handleEvent(&network.EventResponseReceived{
		RequestID: "late",
		Response: &network.Response{
			URL:            "http://cdn.test/app.js",
			Status:         404,
			RequestHeaders: network.Headers{"Referer": "http://x.test/page"},
		},
	})
	s.handleEvent(&network.EventRequestWillBeSent{RequestID: "nil"})
	s.handleEvent(&network.EventResponseReceived{RequestID: "nil"})

	assert.Equal(t, []Response{
		{URL: "http://x.test/page", Status: 200, Referer: "http://x.test"},
		{URL: "http://cdn.test/app.js", Status: 404, Referer: "http://x.test/page"},
	}, rec.all())
	assert.Len(t, other.all(), 2, "every subscriber sees every response")

	s.mu.Lock()
	assert.Empty(t, s.referers, "referers are consumed by their response")
	s.mu.Unlock()

	unsubscribe()
	s.handleEvent(&network.EventResponseReceived{
		RequestID: "after",
		Response:  &network.Response{URL: "http://x.test/after", Status: 500},
	})
	assert.Len(t, rec.all(), 2, "unsubscribed handler is not called")
	assert.Len(t, other.all(), 3)
}

func TestChromeSessionWaitLoad(t *testing.T) {
	t.Parallel()

	s, _ := newDetachedChromeSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitLoad(ctx), context.DeadlineExceeded, "blocks until the load event")

	done := make(chan error, 1)
	go func() { done <- s.WaitLoad(context.Background()) }()
	s.handleEvent(&page.EventLoadEventFired{})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitLoad not released by load event")
	}

	assert.NotPanics(t, func() { s.handleEvent(&page.EventLoadEventFired{}) }, "second load event")
	assert.NoError(t, s.WaitLoad(context.Background()))

	s.resetLoad()
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitLoad(ctx), context.DeadlineExceeded, "reset re-arms the wait")
	s.handleEvent(&page.EventLoadEventFired{})
	assert.NoError(t, s.WaitLoad(context.Background()))
}

func TestChromeSessionWaitLoadAfterClose(t *testing.T) {
	t.Parallel()

	s, cancel := newDetachedChromeSession(t)
	cancel()
	err := s.WaitLoad(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome session closed")
}

func TestNavigateError(t *testing.T) {
	t.Parallel()

	transient := errors.New("net::ERR_CONNECTION_RESET")
	tests := []struct {
		name      string
		err       error
		errorText string
		invalid   bool
		wantNil   bool
		contains  string
	}{
		{name: "success", wantNil: true},
		{name: "invalid url", err: errors.New("Cannot navigate to invalid URL (-32000)"), invalid: true, contains: "http://bad"},
		{name: "protocol error", err: transient, contains: "ERR_CONNECTION_RESET"},
		{name: "error text", errorText: "net::ERR_NAME_NOT_RESOLVED", contains: "ERR_NAME_NOT_RESOLVED"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := navigateError("http://bad", tt.err, tt.errorText)
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.invalid, errors.Is(err, ErrInvalidDestination))
			assert.Contains(t, err.Error(), tt.contains)
			if tt.err != nil && !tt.invalid {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestChromeSessionBaseURLBeforeDocument(t *testing.T) {
	t.Parallel()

	s, _ := newDetachedChromeSession(t)
	base, err := s.BaseURL(context.Background())
	require.NoError(t, err)
	assert.Empty(t, base)
}

func TestNodeBase(t *testing.T) {
	t.Parallel()

	assert.Empty(t, nodeBase(nil))
	assert.Equal(t, "http://x.test/docs/", nodeBase(&cdp.Node{DocumentURL: "http://x.test/docs/"}))
	assert.Equal(t, "http://x.test/manual/", nodeBase(&cdp.Node{DocumentURL: "http://x.test/docs/", BaseURL: "http://x.test/manual/"}))
}

func TestCollectText(t *testing.T) {
	t.Parallel()

	text := func(v string) *cdp.Node { return &cdp.Node{NodeType: cdp.NodeTypeText, NodeValue: v} }
	tests := []struct {
		name string
		node *cdp.Node
		want string
	}{
		{name: "nil", node: nil, want: ""},
		{name: "single text", node: text("Home"), want: "Home"},
		{name: "nested", node: &cdp.Node{
			NodeType: cdp.NodeTypeElement,
			Children: []*cdp.Node{
				text("Hello "),
				{NodeType: cdp.NodeTypeElement, Children: []*cdp.Node{text("brave ")}},
				text("world"),
			},
		}, want: "Hello brave world"},
		{name: "comments skipped", node: &cdp.Node{
			NodeType: cdp.NodeTypeElement,
			Children: []*cdp.Node{
				{NodeType: cdp.NodeTypeComment, NodeValue: "hidden"},
				text("shown"),
			},
		}, want: "shown"},
		{name: "element value ignored", node: &cdp.Node{NodeType: cdp.NodeTypeElement, NodeValue: "x"}, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var b strings.Builder
			collectText(tt.node, &b)
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestHeaderValue(t *testing.T) {
	t.Parallel()

	headers := network.Headers{"REFERER": "http://x.test", "X-Count": 3}
	tests := []struct {
		name, header, want string
	}{
		{name: "case insensitive", header: "Referer", want: "http://x.test"},
		{name: "non-string value", header: "x-count", want: ""},
		{name: "missing", header: "Origin", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, headerValue(headers, tt.header), tt.name)
	}
	assert.Empty(t, headerValue(nil, "Referer"))
}
