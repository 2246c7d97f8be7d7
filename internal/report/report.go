// Package report renders a finished crawl as JSON or Markdown.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"sitecrawl/internal/config"
	"sitecrawl/pkg/types"
)

// Report is everything a writer needs about one crawl.
type Report struct {
	Seed        string                   `json:"seed"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Interrupted bool                     `json:"interrupted,omitempty"`
	Statistics  types.ScrapingStatistics `json:"statistics"`
	Progress    types.ScrapingProgress   `json:"progress"`
}

// Sorted returns a copy whose results are ordered by URL, so output does
// not depend on which lane finished first.
func (r Report) Sorted() Report {
	results := append([]types.ScrapeResult(nil), r.Progress.Results...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	r.Progress.Results = results
	return r
}

// Writer outputs a report.
type Writer interface {
	Write(r Report) error
}

// New returns the writer for format.
func New(format string, output io.Writer) (Writer, error) {
	switch format {
	case config.FormatJSON, "":
		return NewJSONWriter(output, WithPrettyPrint()), nil
	case config.FormatMarkdown:
		return NewMarkdownWriter(output), nil
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
}
