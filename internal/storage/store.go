package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle holding per-site visit totals.
type Store struct {
	db *sql.DB
}

// SiteTotal is a row of the site_totals table.
type SiteTotal struct {
	SiteID string `json:"siteId"`
	Total  int64  `json:"total"`
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "liveuser.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS site_totals (
			site_id TEXT PRIMARY KEY,
			total INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Increment bumps the total for a site and returns the new value. The upsert
// runs as one statement, so concurrent callers never lose an increment.
func (s *Store) Increment(ctx context.Context, siteID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO site_totals(site_id, total) VALUES(?, 1)
		ON CONFLICT(site_id) DO UPDATE SET total = total + 1, updated_at = CURRENT_TIMESTAMP
		RETURNING total
	`, siteID)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("increment %s: %w", siteID, err)
	}
	return total, nil
}

// Read returns the total for a site, zero if it has never been counted.
func (s *Store) Read(ctx context.Context, siteID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT total FROM site_totals WHERE site_id = ?`, siteID)
	var total int64
	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", siteID, err)
	}
	return total, nil
}

// Reset drops the total for a site.
func (s *Store) Reset(ctx context.Context, siteID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM site_totals WHERE site_id = ?`, siteID); err != nil {
		return fmt.Errorf("reset %s: %w", siteID, err)
	}
	return nil
}

// ListTotals returns every counted site ordered by total, highest first.
func (s *Store) ListTotals(ctx context.Context, limit int) ([]SiteTotal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, total
		FROM site_totals
		ORDER BY total DESC, site_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []SiteTotal
	for rows.Next() {
		var total SiteTotal
		if err := rows.Scan(&total.SiteID, &total.Total); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	return totals, rows.Err()
}
