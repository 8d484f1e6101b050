package cronjob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
	id            TEXT PRIMARY KEY,
	doc           TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
)`

// SQLiteBackend keeps one row per job. Save replaces the whole table in a
// single transaction.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", (5 * time.Second).Milliseconds()))

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

func (b *SQLiteBackend) Location() string { return "sqlite://" + b.path }

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]Job, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, doc FROM cron_jobs`)
	if err != nil {
		return nil, fmt.Errorf("query cron_jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]Job)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan cron_jobs: %w", err)
		}
		var j Job
		if err := sonic.UnmarshalString(doc, &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		if j.ID == "" {
			j.ID = id
		}
		jobs[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cron_jobs: %w", err)
	}
	return jobs, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, jobs map[string]Job) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM cron_jobs`); err != nil {
		return fmt.Errorf("clear cron_jobs: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cron_jobs(id, doc, updated_at_ms) VALUES(?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, j := range jobs {
		doc, mErr := sonic.MarshalString(j)
		if mErr != nil {
			err = fmt.Errorf("encode job %s: %w", id, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, id, doc, j.UpdatedAtMs); err != nil {
			return fmt.Errorf("insert job %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
