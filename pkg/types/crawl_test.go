package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressFor(urls ...string) ScrapingProgress {
	out := EmptyProgress()
	for _, u := range urls {
		out = Merge(out, ProgressOf(*NewScrapeResult(u, "")))
	}
	return out
}

func TestMergeIdentity(t *testing.T) {
	t.Parallel()

	a := progressFor("http://x.test", "http://x.test/a")

	assert.Equal(t, a, Merge(a, EmptyProgress()))
	assert.Equal(t, a, Merge(EmptyProgress(), a))
	assert.Equal(t, a, Merge(EmptyProgress(), a, EmptyProgress(), EmptyProgress()))
	assert.Equal(t, EmptyProgress(), Merge())
}

func TestMergeAssociative(t *testing.T) {
	t.Parallel()

	a := progressFor("http://x.test")
	b := progressFor("http://x.test/b", "http://x.test/c")
	c := progressFor("http://x.test/d")

	left := Merge(a, Merge(b, c))
	right := Merge(Merge(a, b), c)

	require.Equal(t, left, right)
	assert.Equal(t, 4, left.NURLsScraped)
	require.Len(t, left.Results, 4)
	assert.Equal(t, "http://x.test", left.Results[0].URL)
	assert.Equal(t, "http://x.test/d", left.Results[3].URL)
}

func TestNewStatistics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		remaining int
		seen      int
		want      int
	}{
		{name: "nothing yet", remaining: 0, seen: 0, want: 0},
		{name: "done", remaining: 0, seen: 5, want: 100},
		{name: "one third", remaining: 2, seen: 1, want: 33},
		{name: "two thirds rounds up", remaining: 1, seen: 2, want: 67},
		{name: "half", remaining: 4, seen: 4, want: 50},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stats := NewStatistics(tt.remaining, tt.seen, 1)
			assert.Equal(t, tt.want, stats.ApproximatePctComplete)
			assert.Equal(t, tt.remaining, stats.NRemainingURLs)
			assert.Equal(t, tt.seen, stats.NSeenURLs)
		})
	}
}

func TestLinkTargetsPrefersCanonical(t *testing.T) {
	t.Parallel()

	r := NewScrapeResult("http://x.test", "")
	r.InternalLinks["http://x.test/a"] = ""
	r.InternalLinks["http://x.test/b?ref=nav"] = "http://x.test/b"

	assert.ElementsMatch(t, []string{"http://x.test/a", "http://x.test/b"}, r.LinkTargets())
}
