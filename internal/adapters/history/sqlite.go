// Package history persists render metadata in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS renders (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id     TEXT    NOT NULL DEFAULT '',
	theme         TEXT    NOT NULL,
	status        TEXT    NOT NULL,
	object_key    TEXT    NOT NULL DEFAULT '',
	center_x      REAL    NOT NULL,
	center_y      REAL    NOT NULL,
	size          REAL    NOT NULL,
	layers        INTEGER NOT NULL,
	failed_layers INTEGER NOT NULL,
	features      INTEGER NOT NULL,
	bytes         INTEGER NOT NULL,
	error         TEXT    NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS renders_theme_created ON renders (theme, created_at DESC);
`

// Store implements output.RenderHistory.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "migrate", Key: path, Err: err}
	}
	return &Store{db: db}, nil
}

// Record stores a render record and returns its id.
func (s *Store) Record(ctx context.Context, rec domain.RenderRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO renders (report_id, theme, status, object_key, center_x, center_y, size,
			layers, failed_layers, features, bytes, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ReportID, rec.Theme, rec.Status, rec.Key,
		rec.Bounds.CenterX, rec.Bounds.CenterY, rec.Bounds.Size,
		rec.Layers, rec.FailedLayers, rec.Features, rec.Bytes, rec.Error,
		rec.Duration.Milliseconds(), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, &domain.StorageError{Operation: "record", Key: rec.Theme, Err: err}
	}
	return res.LastInsertId()
}

// Recent returns the latest records, newest first. An empty theme matches
// every theme.
func (s *Store) Recent(ctx context.Context, theme string, limit int) ([]domain.RenderRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, report_id, theme, status, object_key, center_x, center_y, size,
			layers, failed_layers, features, bytes, error, duration_ms, created_at
		FROM renders`
	args := []interface{}{}
	if theme != "" {
		query += ` WHERE theme = ?`
		args = append(args, theme)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Operation: "recent", Key: theme, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var records []domain.RenderRecord
	for rows.Next() {
		var (
			rec        domain.RenderRecord
			durationMs int64
			createdAt  int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.ReportID, &rec.Theme, &rec.Status, &rec.Key,
			&rec.Bounds.CenterX, &rec.Bounds.CenterY, &rec.Bounds.Size,
			&rec.Layers, &rec.FailedLayers, &rec.Features, &rec.Bytes, &rec.Error,
			&durationMs, &createdAt,
		); err != nil {
			return nil, &domain.StorageError{Operation: "recent", Key: theme, Err: err}
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Operation: "recent", Key: theme, Err: err}
	}
	return records, nil
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
