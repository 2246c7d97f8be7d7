package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sitecrawl/pkg/types"
)

// PageSummary represents a stored page in list view.
type PageSummary struct {
	URL           string `json:"url"`
	Referer       string `json:"referer,omitempty"`
	StatusCode    int    `json:"status_code"`
	Title         string `json:"title,omitempty"`
	Canonical     string `json:"canonical,omitempty"`
	InternalLinks int    `json:"internal_links"`
	ExternalLinks int    `json:"external_links"`
	Problems      int    `json:"problems"`
}

// PageDetail extends a summary with the stored link and resource maps.
type PageDetail struct {
	PageSummary
	Links     map[string]map[string]string         `json:"links"`
	Resources map[string]map[string]types.Resource `json:"resources"`
}

// ListPages returns every page of a crawl ordered by URL.
func (s *SQLWriter) ListPages(ctx context.Context, crawlID string) ([]PageSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sql store not initialised")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT p.url, p.referer, p.status_code, p.title, p.canonical,
               p.internal_links, p.external_links,
               (SELECT COUNT(*) FROM problems q WHERE q.crawl_id = p.crawl_id AND q.page_url = p.url)
        FROM pages p
        WHERE p.crawl_id = $1
        ORDER BY p.url`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var items []PageSummary
	for rows.Next() {
		var (
			item      PageSummary
			referer   sql.NullString
			title     sql.NullString
			canonical sql.NullString
		)
		if err := rows.Scan(&item.URL, &referer, &item.StatusCode, &title, &canonical,
			&item.InternalLinks, &item.ExternalLinks, &item.Problems); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		item.Referer = referer.String
		item.Title = title.String
		item.Canonical = canonical.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// GetPage loads one page with its link and resource maps. A missing page
// yields sql.ErrNoRows.
func (s *SQLWriter) GetPage(ctx context.Context, crawlID, url string) (PageDetail, error) {
	if s == nil || s.db == nil {
		return PageDetail{}, fmt.Errorf("sql store not initialised")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT url, referer, status_code, title, canonical, internal_links, external_links,
               links, resources,
               (SELECT COUNT(*) FROM problems q WHERE q.crawl_id = $1 AND q.page_url = $2)
        FROM pages
        WHERE crawl_id = $1 AND url = $2`, crawlID, url)

	var (
		detail    PageDetail
		referer   sql.NullString
		title     sql.NullString
		canonical sql.NullString
		links     []byte
		resources []byte
	)
	if err := row.Scan(&detail.URL, &referer, &detail.StatusCode, &title, &canonical,
		&detail.InternalLinks, &detail.ExternalLinks, &links, &resources, &detail.Problems); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PageDetail{}, err
		}
		return PageDetail{}, fmt.Errorf("fetch page: %w", err)
	}
	detail.Referer = referer.String
	detail.Title = title.String
	detail.Canonical = canonical.String
	if len(links) > 0 {
		if err := json.Unmarshal(links, &detail.Links); err != nil {
			return PageDetail{}, fmt.Errorf("decode links: %w", err)
		}
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &detail.Resources); err != nil {
			return PageDetail{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	return detail, nil
}

// ListProblems returns every problem recorded during a crawl, grouped by page
// and in the order each page reported them.
func (s *SQLWriter) ListProblems(ctx context.Context, crawlID string) ([]types.URLProblem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sql store not initialised")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT url, is_valid, status_code, message, referer
        FROM problems
        WHERE crawl_id = $1
        ORDER BY page_url, seq`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}
	defer rows.Close()

	var problems []types.URLProblem
	for rows.Next() {
		var (
			p       types.URLProblem
			status  sql.NullInt64
			message sql.NullString
			referer sql.NullString
		)
		if err := rows.Scan(&p.URL, &p.IsValid, &status, &message, &referer); err != nil {
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		p.Status = int(status.Int64)
		p.Message = message.String
		p.Referer = referer.String
		problems = append(problems, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return problems, nil
}

// CrawlSummary describes one crawl run.
type CrawlSummary struct {
	ID       string `json:"id"`
	Seed     string `json:"seed"`
	Pages    int    `json:"pages"`
	Finished bool   `json:"finished"`
}

// ListCrawls returns every recorded crawl, most recent first.
func (s *SQLWriter) ListCrawls(ctx context.Context) ([]CrawlSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sql store not initialised")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, seed, pages, finished_at IS NOT NULL
        FROM crawls
        ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list crawls: %w", err)
	}
	defer rows.Close()

	var crawls []CrawlSummary
	for rows.Next() {
		var c CrawlSummary
		if err := rows.Scan(&c.ID, &c.Seed, &c.Pages, &c.Finished); err != nil {
			return nil, fmt.Errorf("scan crawl: %w", err)
		}
		crawls = append(crawls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return crawls, nil
}
