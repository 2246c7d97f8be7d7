package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sitecrawl/pkg/types"
)

const defaultQueueSize = 256

// StoreNotifier persists every scraped page from a background goroutine so
// the crawl never waits on the database. Close flushes what is queued.
type StoreNotifier struct {
	store   ResultStore
	crawlID string
	logger  *slog.Logger
	timeout time.Duration

	queue chan types.ScrapeResult
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	saved  atomic.Int64
	failed atomic.Int64
}

// NewStoreNotifier starts the background writer for one crawl run.
func NewStoreNotifier(store ResultStore, crawlID string, logger *slog.Logger) *StoreNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &StoreNotifier{
		store:   store,
		crawlID: crawlID,
		logger:  logger,
		timeout: 10 * time.Second,
		queue:   make(chan types.ScrapeResult, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *StoreNotifier) run() {
	defer close(n.done)
	for result := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.store.SavePage(ctx, n.crawlID, result)
		cancel()

		if err != nil {
			n.failed.Add(1)
			n.logger.Error("persist page failed", "url", result.URL, "crawl_id", n.crawlID, "error", err)
			continue
		}
		n.saved.Add(1)
	}
}

// PageScraped queues result for persistence. Results arriving after Close
// are dropped.
func (n *StoreNotifier) PageScraped(result types.ScrapeResult) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("page scraped after store closed", "url", result.URL)
		return
	}
	n.queue <- result
}

// Statistics is a no-op; snapshots are not persisted.
func (n *StoreNotifier) Statistics(types.ScrapingStatistics) {}

// Close stops accepting results and waits until the queue is written.
func (n *StoreNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
	return nil
}

// Counts reports how many pages were written and how many failed.
func (n *StoreNotifier) Counts() (saved, failed int) {
	return int(n.saved.Load()), int(n.failed.Load())
}
