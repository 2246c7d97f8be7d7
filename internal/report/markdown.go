package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"

	"sitecrawl/pkg/types"
)

// MarkdownWriter outputs a human-readable audit with summary, page and
// problem tables.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output}
}

func (w *MarkdownWriter) Write(r Report) error {
	r = r.Sorted()
	md := markdown.NewMarkdown(w.output)

	w.writeSummary(md, r)
	w.writePages(md, r.Progress.Results)
	w.writeProblems(md, r.Progress.Results)

	if err := md.Build(); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	return nil
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, r Report) {
	md.H1("Site audit: " + r.Seed)
	md.PlainText("")

	elapsed := "-"
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Seed", "`" + cell(r.Seed) + "`"},
			{"Started", formatTime(r)},
			{"Elapsed", elapsed},
			{"Pages scraped", strconv.Itoa(r.Progress.NURLsScraped)},
			{"URLs seen", strconv.Itoa(r.Statistics.NSeenURLs)},
			{"URLs remaining", strconv.Itoa(r.Statistics.NRemainingURLs)},
			{"Problems", strconv.Itoa(r.Progress.ProblemCount())},
		},
	})
	md.PlainText("")

	switch problems := r.Progress.ProblemCount(); {
	case r.Interrupted:
		md.Cautionf("Crawl interrupted after %d page(s); results are partial.", r.Progress.NURLsScraped)
	case problems > 0:
		md.Warningf("%d problem(s) found.", problems)
	default:
		md.Tip("No problems found.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writePages(md *markdown.Markdown, results []types.ScrapeResult) {
	md.H2("Pages")
	md.PlainText("")
	if len(results) == 0 {
		md.PlainText("No pages scraped.")
		md.PlainText("")
		return
	}
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			cell(res.URL),
			statusText(res.Status),
			dash(cell(res.Title)),
			strconv.Itoa(len(res.InternalLinks)),
			strconv.Itoa(len(res.ExternalLinks)),
			strconv.Itoa(len(res.Problems)),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Status", "Title", "Internal links", "External links", "Problems"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeProblems(md *markdown.Markdown, results []types.ScrapeResult) {
	md.H2("Problems")
	md.PlainText("")

	var rows [][]string
	for _, res := range results {
		for _, p := range res.Problems {
			valid := "yes"
			if !p.IsValid {
				valid = "no"
			}
			rows = append(rows, []string{cell(p.URL), statusText(p.Status), cell(p.Message), dash(cell(p.Referer)), valid})
		}
	}
	if len(rows) == 0 {
		md.PlainText("None.")
		md.PlainText("")
		return
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Status", "Message", "Referer", "Valid URL"},
		Rows:   rows,
	})
	md.PlainText("")
}

func formatTime(r Report) string {
	if r.StartedAt.IsZero() {
		return "-"
	}
	return r.StartedAt.UTC().Format("2006-01-02 15:04:05 MST")
}

func statusText(status int) string {
	if status == 0 {
		return "-"
	}
	return strconv.Itoa(status)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var cellReplacer = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

// cell makes s safe inside a single table cell.
func cell(s string) string {
	return strings.TrimSpace(cellReplacer.Replace(s))
}
