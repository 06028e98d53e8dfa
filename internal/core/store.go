package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/kiln/internal/transform"
	"github.com/3cpo-dev/kiln/pkg/api"
)

// Store is the SQLite build ledger: one row per Build Result plus the
// checksums of deployed files.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// BuildRecord is the persisted summary of a Build Result.
type BuildRecord struct {
	RunID     string
	Task      string
	Status    api.RunStatus
	Outputs   int
	Unchanged int
	Error     string
	Started   time.Time
	Duration  time.Duration
}

// RecordOf summarizes res for the ledger.
func RecordOf(res *transform.Result) BuildRecord {
	rec := BuildRecord{
		RunID:     res.RunID,
		Task:      res.Task,
		Status:    res.Status,
		Outputs:   len(res.Outputs),
		Unchanged: len(res.Unchanged),
		Started:   res.Started,
		Duration:  res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// DeployedFile is one uploaded file.
type DeployedFile struct {
	Path     string
	Checksum string
	Size     int64
}

// NewStore opens (creating if needed) the ledger at path. ":memory:" opens a
// private in-memory database.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("configure store: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordBuild appends one Build Result.
func (s *Store) RecordBuild(ctx context.Context, r BuildRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (run_id, task, status, outputs, unchanged, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Task, string(r.Status), r.Outputs, r.Unchanged, r.Error,
		r.Started.UnixNano(), r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record build %s: %w", r.Task, err)
	}
	return nil
}

const buildColumns = `run_id, task, status, outputs, unchanged, error, started_at, duration_ms`

// RecentBuilds returns up to limit records, newest first.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	return scanBuilds(rows)
}

// LatestBuilds returns the most recent record of every task, sorted by task.
func (s *Store) LatestBuilds(ctx context.Context) ([]BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds b
		 WHERE id = (SELECT MAX(id) FROM builds WHERE task = b.task)
		 ORDER BY task`)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	return scanBuilds(rows)
}

func scanBuilds(rows *sql.Rows) ([]BuildRecord, error) {
	defer rows.Close()
	var out []BuildRecord
	for rows.Next() {
		var (
			r        BuildRecord
			status   string
			started  int64
			duration int64
		)
		if err := rows.Scan(&r.RunID, &r.Task, &status, &r.Outputs, &r.Unchanged, &r.Error, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		r.Status = api.RunStatus(status)
		r.Started = time.Unix(0, started)
		r.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeployedChecksums returns path -> checksum for everything last deployed
// to target.
func (s *Store) DeployedChecksums(ctx context.Context, target string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, checksum FROM deployed_files WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("query deployed files: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var p, sum string
		if err := rows.Scan(&p, &sum); err != nil {
			return nil, fmt.Errorf("scan deployed file: %w", err)
		}
		out[p] = sum
	}
	return out, rows.Err()
}

// RecordDeployed upserts the checksums of files uploaded to target.
func (s *Store) RecordDeployed(ctx context.Context, target string, files []DeployedFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deployed_files (target, path, checksum, size, deployed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (target, path) DO UPDATE SET
		   checksum = excluded.checksum, size = excluded.size, deployed_at = excluded.deployed_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, target, f.Path, f.Checksum, f.Size, now); err != nil {
			return fmt.Errorf("record deployed %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}
