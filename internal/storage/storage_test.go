package storage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecrawl/internal/config"
	"sitecrawl/pkg/types"
)

func openMemory(t *testing.T) *SQLWriter {
	t.Helper()
	w, err := NewSQLWriter(config.SQLConfig{Driver: DriverSQLite, DSN: ":memory:", AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func samplePage(url string) types.ScrapeResult {
	r := types.NewScrapeResult(url, "http://x.test")
	r.Status = 200
	r.Title = "Page"
	r.Canonical = url
	r.InternalLinks["http://x.test/a"] = ""
	r.InternalLinks["http://x.test/b"] = "http://x.test/b-canonical"
	r.ExternalLinks["https://other.test"] = ""
	r.ExternalResources["https://cdn.test/app.js"] = types.Resource{URL: "https://cdn.test/app.js", Referer: url, Status: 404}
	r.Problems = append(r.Problems, types.URLProblem{
		URL: "https://cdn.test/app.js", IsValid: true, Status: 404, Message: "HTTP 404 Not Found", Referer: url,
	})
	r.ScrapedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return *r
}

func TestSQLWriterRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openMemory(t)
	started := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	id, err := w.BeginCrawl(ctx, "http://x.test", started)
	require.NoError(t, err)
	assert.Equal(t, NewCrawlID("http://x.test", started), id)

	require.NoError(t, w.SavePage(ctx, id, samplePage("http://x.test")))
	require.NoError(t, w.SavePage(ctx, id, samplePage("http://x.test/a")))

	pages, err := w.ListPages(ctx, id)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, PageSummary{
		URL:           "http://x.test",
		Referer:       "http://x.test",
		StatusCode:    200,
		Title:         "Page",
		Canonical:     "http://x.test",
		InternalLinks: 2,
		ExternalLinks: 1,
		Problems:      1,
	}, pages[0])

	detail, err := w.GetPage(ctx, id, "http://x.test/a")
	require.NoError(t, err)
	assert.Equal(t, "http://x.test/b-canonical", detail.Links["internal"]["http://x.test/b"])
	assert.Equal(t, 404, detail.Resources["external"]["https://cdn.test/app.js"].Status)

	_, err = w.GetPage(ctx, id, "http://x.test/missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	problems, err := w.ListProblems(ctx, id)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Equal(t, 404, problems[0].Status)
	assert.True(t, problems[0].IsValid)

	require.NoError(t, w.FinishCrawl(ctx, id, started.Add(time.Minute), 2))
	crawls, err := w.ListCrawls(ctx)
	require.NoError(t, err)
	require.Len(t, crawls, 1)
	assert.Equal(t, CrawlSummary{ID: id, Seed: "http://x.test", Pages: 2, Finished: true}, crawls[0])
}

func TestSQLWriterUpsertReplacesProblems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openMemory(t)
	id, err := w.BeginCrawl(ctx, "http://x.test", time.Now())
	require.NoError(t, err)

	page := samplePage("http://x.test")
	require.NoError(t, w.SavePage(ctx, id, page))

	page.Title = "Retitled"
	page.Problems = []types.URLProblem{
		{URL: "http://x.test", IsValid: false, Message: "cannot navigate to invalid URL"},
		{URL: "http://x.test", IsValid: true, Message: "missing title"},
	}
	require.NoError(t, w.SavePage(ctx, id, page))

	pages, err := w.ListPages(ctx, id)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Retitled", pages[0].Title)
	assert.Equal(t, 2, pages[0].Problems)

	problems, err := w.ListProblems(ctx, id)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.False(t, problems[0].IsValid)
	assert.Equal(t, "missing title", problems[1].Message)
}

func TestNewSQLWriterRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	_, err := NewSQLWriter(config.SQLConfig{Driver: DriverSQLite})
	assert.Error(t, err)
	_, err = NewSQLWriter(config.SQLConfig{DSN: ":memory:"})
	assert.Error(t, err)
}

func TestIsUndefinedTableErr(t *testing.T) {
	t.Parallel()

	assert.True(t, isUndefinedTableErr(errors.New("SQL logic error: no such table: pages (1)")))
	assert.True(t, isUndefinedTableErr(errors.New(`relation "pages" does not exist`)))
	assert.False(t, isUndefinedTableErr(errors.New("constraint failed")))
}

func TestNewCrawlIDIsStable(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewCrawlID("http://x.test", at)
	assert.Equal(t, a, NewCrawlID("http://x.test", at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, a, NewCrawlID("http://x.test", at.Add(time.Nanosecond)))
	assert.Len(t, a, 36)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []string
	fail  map[string]bool
	delay time.Duration
}

func (f *fakeStore) SavePage(ctx context.Context, crawlID string, result types.ScrapeResult) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[result.URL] {
		return errors.New("disk full")
	}
	f.saved = append(f.saved, crawlID+" "+result.URL)
	return nil
}

func TestStoreNotifierFlushesOnClose(t *testing.T) {
	t.Parallel()

	store := &fakeStore{fail: map[string]bool{"http://x.test/bad": true}, delay: time.Millisecond}
	n := NewStoreNotifier(store, "crawl-1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.PageScraped(types.ScrapeResult{URL: "http://x.test"})
	n.PageScraped(types.ScrapeResult{URL: "http://x.test/bad"})
	n.PageScraped(types.ScrapeResult{URL: "http://x.test/a"})
	n.Statistics(types.NewStatistics(0, 3, 0))
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	saved, failed := n.Counts()
	assert.Equal(t, 2, saved)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"crawl-1 http://x.test", "crawl-1 http://x.test/a"}, store.saved)

	n.PageScraped(types.ScrapeResult{URL: "http://x.test/late"})
	assert.Len(t, store.saved, 2)
}
