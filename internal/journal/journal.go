// Package journal keeps a durable record of workflow runs in SQLite. It
// exists so an operator can see what the service did after the fact, and so
// runs orphaned by a process restart are eventually marked failed instead of
// sitting in_progress forever.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run phases. A run is created in_progress and finishes exactly once.
const (
	PhaseInProgress = "in_progress"
	PhaseCompleted  = "completed"
)

// Run conclusions, mirroring the platform's check-run vocabulary.
const (
	ConclusionSuccess = "success"
	ConclusionNeutral = "neutral"
	ConclusionFailure = "failure"
)

// Run is one journal row.
type Run struct {
	ID          string
	Owner       string
	Repo        string
	PRNumber    int
	HeadSHA     string
	Trigger     string
	Phase       string
	Conclusion  string
	Detail      string
	ArtifactKey string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Journal is a SQLite-backed run log.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			phase TEXT NOT NULL,
			conclusion TEXT,
			detail TEXT,
			artifact_key TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pr ON runs(owner, repo, pr_number);`,
	}
	for _, stmt := range ddl {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing journal schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Start records a new in-progress run.
func (j *Journal) Start(ctx context.Context, run Run) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, owner, repo, pr_number, head_sha, trigger_kind, phase, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Owner, run.Repo, run.PRNumber, run.HeadSHA, run.Trigger,
		PhaseInProgress, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// Finish marks a run completed with its conclusion.
func (j *Journal) Finish(ctx context.Context, runID, conclusion, detail, artifactKey string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE runs SET phase = ?, conclusion = ?, detail = ?, artifact_key = ?, finished_at = ?
		WHERE run_id = ?`,
		PhaseCompleted, conclusion, detail, artifactKey,
		time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// MarkStale fails every run that has been in_progress longer than ttl.
// Returns the number of runs reaped. Covers the restart gap: a process that
// died mid-merge leaves a row the watchdog eventually closes out.
func (j *Journal) MarkStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET phase = ?, conclusion = ?, detail = ?, finished_at = ?
		WHERE phase = ? AND started_at < ?`,
		PhaseCompleted, ConclusionFailure, "run exceeded in-progress TTL; likely interrupted by a restart",
		time.Now().UTC().Format(time.RFC3339), PhaseInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaping stale runs: %w", err)
	}
	return res.RowsAffected()
}

// List returns the most recent runs, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, owner, repo, pr_number, head_sha, trigger_kind, phase,
		       COALESCE(conclusion, ''), COALESCE(detail, ''), COALESCE(artifact_key, ''),
		       started_at, COALESCE(finished_at, '')
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Owner, &r.Repo, &r.PRNumber, &r.HeadSHA, &r.Trigger,
			&r.Phase, &r.Conclusion, &r.Detail, &r.ArtifactKey, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Watchdog periodically reaps stale runs until the context is cancelled.
func (j *Journal) Watchdog(ctx context.Context, interval, ttl time.Duration, onReap func(count int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.MarkStale(ctx, ttl)
			if err != nil {
				slog.Warn("journal watchdog sweep failed", "error", err)
				continue
			}
			if n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}
