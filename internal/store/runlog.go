package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// SQLiteRunLog persists refresh runs in a SQLite database.
type SQLiteRunLog struct {
	db *sql.DB
}

// NewSQLiteRunLog opens (or creates) the run log at path.
func NewSQLiteRunLog(path string) (*SQLiteRunLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	// One writer at a time; refreshes are single-flight anyway.
	db.SetMaxOpenConns(1)

	schema := `CREATE TABLE IF NOT EXISTS refresh_runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		downloaded TEXT NOT NULL,
		published INTEGER NOT NULL,
		error TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run log schema: %w", err)
	}
	return &SQLiteRunLog{db: db}, nil
}

// Record stores one refresh run.
func (l *SQLiteRunLog) Record(ctx context.Context, run weather.RefreshRun) error {
	names := make([]string, len(run.Downloaded))
	for i, g := range run.Downloaded {
		names[i] = string(g)
	}
	published := 0
	if run.Published {
		published = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO refresh_runs(id, started_at, finished_at, downloaded, published, error) VALUES(?,?,?,?,?,?)`,
		run.ID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), strings.Join(names, ","), published, run.Error,
	)
	return err
}

// Recent returns up to limit runs, newest first.
func (l *SQLiteRunLog) Recent(ctx context.Context, limit int) ([]weather.RefreshRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, downloaded, published, error FROM refresh_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []weather.RefreshRun
	for rows.Next() {
		var (
			run               weather.RefreshRun
			started, finished int64
			downloaded        string
			published         int
		)
		if err := rows.Scan(&run.ID, &started, &finished, &downloaded, &published, &run.Error); err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMilli(started).UTC()
		run.FinishedAt = time.UnixMilli(finished).UTC()
		run.Published = published == 1
		if downloaded != "" {
			for _, name := range strings.Split(downloaded, ",") {
				run.Downloaded = append(run.Downloaded, weather.GroupName(name))
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteRunLog) Close() error {
	return l.db.Close()
}
