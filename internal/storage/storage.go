package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver

	"sitecrawl/internal/config"
	"sitecrawl/pkg/types"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ResultStore persists scrape results of one crawl run.
type ResultStore interface {
	SavePage(ctx context.Context, crawlID string, result types.ScrapeResult) error
}

// SQLWriter stores crawl runs, pages and problems in Postgres or SQLite.
type SQLWriter struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// NewSQLWriter initialises a SQLWriter from configuration.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.Driver == DriverSQLite {
		// One writer at a time, and a :memory: database lives in a single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	writer := &SQLWriter{
		db:          db,
		driver:      cfg.Driver,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// BeginCrawl records a new crawl run and returns its identifier.
func (s *SQLWriter) BeginCrawl(ctx context.Context, seed string, startedAt time.Time) (string, error) {
	id := NewCrawlID(seed, startedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawls (id, seed, started_at) VALUES ($1,$2,$3)`,
		id, seed, startedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert crawl: %w", err)
	}
	return id, nil
}

// FinishCrawl stamps a crawl run with its completion time and page count.
func (s *SQLWriter) FinishCrawl(ctx context.Context, crawlID string, finishedAt time.Time, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET finished_at = $2, pages = $3 WHERE id = $1`,
		crawlID, finishedAt.UTC(), pages)
	if err != nil {
		return fmt.Errorf("finish crawl: %w", err)
	}
	return nil
}

// SavePage upserts one page and replaces its problem rows.
func (s *SQLWriter) SavePage(ctx context.Context, crawlID string, result types.ScrapeResult) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.savePage(ctx, crawlID, result); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.savePage(ctx, crawlID, result); retryErr != nil {
				return fmt.Errorf("save page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("save page: %w", err)
	}
	return nil
}

func (s *SQLWriter) savePage(ctx context.Context, crawlID string, result types.ScrapeResult) error {
	links, err := json.Marshal(map[string]map[string]string{
		"internal": result.InternalLinks,
		"external": result.ExternalLinks,
	})
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}
	resources, err := json.Marshal(map[string]map[string]types.Resource{
		"internal": result.InternalResources,
		"external": result.ExternalResources,
	})
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO pages (crawl_id, url, referer, status_code, title, canonical,
                           internal_links, external_links, links, resources, scraped_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (crawl_id, url) DO UPDATE SET
            referer = EXCLUDED.referer,
            status_code = EXCLUDED.status_code,
            title = EXCLUDED.title,
            canonical = EXCLUDED.canonical,
            internal_links = EXCLUDED.internal_links,
            external_links = EXCLUDED.external_links,
            links = EXCLUDED.links,
            resources = EXCLUDED.resources,
            scraped_at = EXCLUDED.scraped_at`,
		crawlID,
		result.URL,
		result.Referer,
		result.Status,
		result.Title,
		result.Canonical,
		len(result.InternalLinks),
		len(result.ExternalLinks),
		string(links),
		string(resources),
		result.ScrapedAt.UTC(),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM problems WHERE crawl_id = $1 AND page_url = $2`,
		crawlID, result.URL); err != nil {
		return err
	}
	for i, p := range result.Problems {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO problems (crawl_id, page_url, seq, url, is_valid, status_code, message, referer)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			crawlID, result.URL, i, p.URL, p.IsValid, p.Status, p.Message, p.Referer,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, DriverPostgres) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	jsonType := "TEXT"
	if s.driver == DriverPostgres {
		jsonType = "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawls (
		    id TEXT PRIMARY KEY,
		    seed TEXT NOT NULL,
		    started_at TIMESTAMP NOT NULL,
		    finished_at TIMESTAMP,
		    pages INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
		    crawl_id TEXT NOT NULL,
		    url TEXT NOT NULL,
		    referer TEXT,
		    status_code INT,
		    title TEXT,
		    canonical TEXT,
		    internal_links INT NOT NULL DEFAULT 0,
		    external_links INT NOT NULL DEFAULT 0,
		    links ` + jsonType + `,
		    resources ` + jsonType + `,
		    scraped_at TIMESTAMP,
		    PRIMARY KEY (crawl_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS problems (
		    crawl_id TEXT NOT NULL,
		    page_url TEXT NOT NULL,
		    seq INT NOT NULL,
		    url TEXT NOT NULL,
		    is_valid BOOLEAN NOT NULL,
		    status_code INT,
		    message TEXT,
		    referer TEXT,
		    PRIMARY KEY (crawl_id, page_url, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_problems_url ON problems (crawl_id, url)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "no such table") {
		return true
	}
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
