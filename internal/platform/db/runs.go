package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/resourcestats/internal/platform/reporting"
)

type runStorePG struct{ pool *pgxpool.Pool }

// NewRunStore returns a reporting.RunStore backed by the report_runs table.
func NewRunStore(pool *pgxpool.Pool) reporting.RunStore {
	return &runStorePG{pool: pool}
}

const runCols = `id, started_at, finished_at, data_path, layout, stratified,
	patients, contributing, skipped_files, failures, report`

func scanRun(row pgx.Row) (*reporting.Run, error) {
	var (
		r        reporting.Run
		failures []byte
		report   []byte
	)
	if err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.DataPath, &r.Layout, &r.Stratified,
		&r.Patients, &r.Contributing, &r.SkippedFiles, &failures, &report); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(failures, &r.Failures); err != nil {
		return nil, fmt.Errorf("decode failures of run %s: %w", r.ID, err)
	}
	r.Report = report
	return &r, nil
}

func (s *runStorePG) SaveRun(ctx context.Context, r *reporting.Run) error {
	failures, err := json.Marshal(r.Failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO report_runs (`+runCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.StartedAt, r.FinishedAt, r.DataPath, r.Layout, r.Stratified,
		r.Patients, r.Contributing, r.SkippedFiles, failures, []byte(r.Report))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func (s *runStorePG) GetRun(ctx context.Context, id uuid.UUID) (*reporting.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM report_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reporting.ErrRunNotFound
	}
	return r, err
}

func (s *runStorePG) ListRuns(ctx context.Context, limit, offset int) ([]*reporting.Run, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM report_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runCols+` FROM report_runs ORDER BY finished_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*reporting.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
