package store

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"graphflow-scheduler/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// History is the durable execution log in Postgres. The dispatcher and the
// process supervisor append events; dashboards read them newest-first.
type History struct {
	pool *pgxpool.Pool
}

// NewHistory creates a pooled Postgres connection for the run history.
func NewHistory(ctx context.Context, dsn string) (*History, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &History{pool: pool}, nil
}

func (h *History) Close() {
	if h.pool != nil {
		h.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (h *History) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := h.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// AppendRun records one execution event for a job.
func (h *History) AppendRun(ctx context.Context, jobID, jobType, event, detail string) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO job_runs (job_id, job_type, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, jobType, event, detail)
	return err
}

// RecentRuns returns up to limit history rows, newest first.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.pool.Query(ctx, `
		SELECT id, job_id, job_type, event, detail, recorded_at
		FROM job_runs ORDER BY recorded_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		var at time.Time
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.JobType, &rec.Event, &rec.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		rec.RecordedAt = at.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunsForJob returns history rows for a single job, newest first.
func (h *History) RunsForJob(ctx context.Context, jobID string, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.pool.Query(ctx, `
		SELECT id, job_id, job_type, event, detail, recorded_at
		FROM job_runs WHERE job_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		var at time.Time
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.JobType, &rec.Event, &rec.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		rec.RecordedAt = at.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
