package crawler

import (
	"sync"

	"sitecrawl/internal/urlutil"
	"sitecrawl/pkg/types"
)

// Entry is one frontier item: a normalized URL and the first page that linked it.
type Entry struct {
	URL     string
	Referer string
}

// Frontier holds discovered-but-unvisited URLs together with the seen set.
// Both live under one mutex so a pop plus its move into the seen set, or a
// lane's completion plus its discovered links, are observed atomically.
type Frontier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Entry
	queued map[string]struct{}
	seen   map[string]struct{}
	active int
	closed bool
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	f := &Frontier{
		queued: make(map[string]struct{}),
		seen:   make(map[string]struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push queues target unless it is empty, already queued or already seen.
// It reports whether target was added.
func (f *Frontier) Push(target, referer string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushLocked(target, referer)
}

func (f *Frontier) pushLocked(target, referer string) bool {
	key := urlutil.Normalize(target)
	if key == "" || f.closed {
		return false
	}
	if _, ok := f.seen[key]; ok {
		return false
	}
	if _, ok := f.queued[key]; ok {
		return false
	}
	f.queued[key] = struct{}{}
	f.queue = append(f.queue, Entry{URL: key, Referer: referer})
	f.cond.Signal()
	return true
}

// Next pops the oldest queued URL, moves it into the seen set and counts the
// caller as an active lane until it calls Complete. When the queue is empty
// Next waits for active lanes to discover more; it returns false once the
// queue is empty with no lane active, or after Close.
func (f *Frontier) Next() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.queue) == 0 && f.active > 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed || len(f.queue) == 0 {
		f.cond.Broadcast()
		return Entry{}, false
	}
	next := f.queue[0]
	f.queue[0] = Entry{}
	f.queue = f.queue[1:]
	delete(f.queued, next.URL)
	f.seen[next.URL] = struct{}{}
	f.active++
	return next, true
}

// Complete folds the links a lane discovered from page into the queue and
// releases the lane. It returns the statistics as of that moment.
func (f *Frontier) Complete(page string, links []string) types.ScrapingStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range links {
		f.pushLocked(link, page)
	}
	f.active--
	if f.active == 0 && len(f.queue) == 0 {
		f.cond.Broadcast()
	}
	return f.statsLocked()
}

// Close stops handing out URLs. Lanes blocked in Next return false.
func (f *Frontier) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Seen reports whether target has been dequeued.
func (f *Frontier) Seen(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[urlutil.Normalize(target)]
	return ok
}

// Stats returns a snapshot of the frontier's counters.
func (f *Frontier) Stats() types.ScrapingStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsLocked()
}

func (f *Frontier) statsLocked() types.ScrapingStatistics {
	return types.NewStatistics(len(f.queue), len(f.seen), f.active)
}
