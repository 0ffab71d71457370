package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pxeprov/pkg/db"
)

// PostgresStore keeps runs in the provision_runs and provision_steps tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the journal migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate journal database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Save(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	return db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO provision_runs (id, fingerprint, status, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at`,
			run.ID, run.Fingerprint, string(run.Status), run.StartedAt, run.FinishedAt)
		if err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM provision_steps WHERE run_id = $1`, run.ID); err != nil {
			return fmt.Errorf("clear steps: %w", err)
		}
		for i, st := range run.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO provision_steps (run_id, position, name, status, started_at, duration_ms, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				run.ID, i, st.Name, string(st.Status), st.StartedAt, st.Duration.Milliseconds(), st.Error)
			if err != nil {
				return fmt.Errorf("insert step %s: %w", st.Name, err)
			}
		}
		return nil
	})
}

type runRow struct {
	ID          string     `db:"id"`
	Fingerprint string     `db:"fingerprint"`
	Status      string     `db:"status"`
	StartedAt   time.Time  `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

type stepRow struct {
	Name       string    `db:"name"`
	Status     string    `db:"status"`
	StartedAt  time.Time `db:"started_at"`
	DurationMS int64     `db:"duration_ms"`
	Error      string    `db:"error"`
}

func (s *PostgresStore) Last(ctx context.Context) (*Run, error) {
	var row runRow
	err := db.Get(ctx, s.pool, &row, `
		SELECT id::text AS id, fingerprint, status, started_at, finished_at
		FROM provision_runs ORDER BY started_at DESC LIMIT 1`)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last run: %w", err)
	}

	var steps []stepRow
	err = db.Select(ctx, s.pool, &steps, `
		SELECT name, status, started_at, duration_ms, error
		FROM provision_steps WHERE run_id = $1 ORDER BY position`, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	run := &Run{
		ID:          row.ID,
		Fingerprint: row.Fingerprint,
		Status:      Status(row.Status),
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
	}
	for _, st := range steps {
		run.Steps = append(run.Steps, Step{
			Name:      st.Name,
			Status:    Status(st.Status),
			StartedAt: st.StartedAt,
			Duration:  time.Duration(st.DurationMS) * time.Millisecond,
			Error:     st.Error,
		})
	}
	return run, nil
}
