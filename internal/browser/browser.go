// Package browser defines the browser automation collaborator the crawler
// drives: one Session per page visit, launched and terminated by a Launcher.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sitecrawl/internal/config"
)

// ErrInvalidDestination is returned by Session.Navigate when the browser
// refuses the target outright. It is distinct from every other failure.
var ErrInvalidDestination = errors.New("cannot navigate to invalid URL")

// NodeID identifies a DOM node within one session's current document.
// The zero value means "no node".
type NodeID int64

// Response is a single network response observed by a session.
type Response struct {
	URL     string
	Status  int
	Referer string
}

// ResponseHandler receives responses. It may be called from any goroutine.
type ResponseHandler func(Response)

// Session is one isolated browser instance.
type Session interface {
	// Navigate loads target, sending referer when non-empty.
	Navigate(ctx context.Context, target, referer string) error
	// OnResponse subscribes h to network responses until the returned
	// function is called.
	OnResponse(h ResponseHandler) (unsubscribe func())
	// WaitLoad blocks until the page's load event after Navigate.
	WaitLoad(ctx context.Context) error
	// Document returns the root node of the loaded document.
	Document(ctx context.Context) (NodeID, error)
	// BaseURL returns the URL relative references in the loaded document
	// resolve against: the final URL after redirects, or <base href> when
	// present. Valid after Document; "" when unknown.
	BaseURL(ctx context.Context) (string, error)
	// QuerySelector returns the first match under root, or 0.
	QuerySelector(ctx context.Context, root NodeID, selector string) (NodeID, error)
	// QuerySelectorAll returns all matches under root in document order.
	QuerySelectorAll(ctx context.Context, root NodeID, selector string) ([]NodeID, error)
	// Attributes returns a flat name, value, name, value... list.
	Attributes(ctx context.Context, id NodeID) ([]string, error)
	// Text returns the text content of the node's subtree.
	Text(ctx context.Context, id NodeID) (string, error)
	// Close terminates the session and releases its resources.
	Close() error
}

// Launcher starts fresh sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Session, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Session, error) {
	return f(ctx)
}

// NewLauncher selects a Launcher implementation from configuration.
func NewLauncher(cfg config.BrowserConfig, logger *slog.Logger) (Launcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Engine {
	case config.EngineChromedp:
		return NewChromeLauncher(cfg, logger), nil
	case config.EngineStatic:
		return NewStaticLauncher(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported browser engine %q", cfg.Engine)
	}
}

// AttributeMap converts a flat attribute list into a map. Later duplicates win.
func AttributeMap(flat []string) map[string]string {
	attrs := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		attrs[flat[i]] = flat[i+1]
	}
	return attrs
}
