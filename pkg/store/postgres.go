package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loadpilot/loadpilot/pkg/models"
)

// pgUniqueViolation is the Postgres error code for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore is the Postgres-backed RunStore and SpecStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pgx pool for the DSN, verifies connectivity and applies
// pending migrations.
func Connect(ctx context.Context, dsn string, maxConns int32, connMaxLifetime time.Duration) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if connMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewPostgresStore(pool), nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks database reachability, for health endpoints.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRun inserts a new record.
func (s *PostgresStore) CreateRun(ctx context.Context, rec *models.RunRecord) error {
	progress, summary, runErr, err := marshalRunFields(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, spec_id, spec_name, status, started_at, completed_at, progress, summary, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.SpecID, rec.SpecName, rec.Status, rec.StartedAt, rec.CompletedAt,
		progress, summary, runErr,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns the record for a run.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, spec_id, spec_name, status, started_at, completed_at, progress, summary, error
		 FROM runs WHERE id = $1`, runID)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns up to limit records, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, spec_id, spec_name, status, started_at, completed_at, progress, summary, error
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	recs := make([]*models.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return recs, nil
}

// UpdateProgress stores the snapshot while the run is still running. A
// snapshot that loses the race with a terminal transition matches zero rows
// and is silently skipped — the terminal write is the source of truth.
func (s *PostgresStore) UpdateProgress(ctx context.Context, runID string, p models.ProgressMetrics) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE runs SET progress = $2 WHERE id = $1 AND status = $3`,
		runID, progress, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateIfStatus applies upd only when the current status equals expected.
// The status predicate in the WHERE clause makes the transition a CAS.
func (s *PostgresStore) UpdateIfStatus(ctx context.Context, runID string, expected models.RunStatus, upd TerminalUpdate) (bool, error) {
	var summary, runErr []byte
	var err error
	if upd.Summary != nil {
		if summary, err = json.Marshal(upd.Summary); err != nil {
			return false, fmt.Errorf("marshal summary: %w", err)
		}
	}
	if upd.Error != nil {
		if runErr, err = json.Marshal(upd.Error); err != nil {
			return false, fmt.Errorf("marshal error: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $3, completed_at = $4, summary = COALESCE($5, summary), error = COALESCE($6, error)
		 WHERE id = $1 AND status = $2`,
		runID, expected, upd.Status, upd.CompletedAt, summary, runErr,
	)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish "status did not match" from "run does not exist".
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check run existence: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// DeleteRun removes a record.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepRunning marks every record stuck in running state as failed.
func (s *PostgresStore) SweepRunning(ctx context.Context, message string) (int, error) {
	now := time.Now()
	runErr, err := json.Marshal(models.RunError{Message: message, Timestamp: now})
	if err != nil {
		return 0, fmt.Errorf("marshal sweep error: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2, error = $3 WHERE status = $4`,
		models.StatusFailed, now, runErr, models.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep running runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetSpec returns the spec for an id.
func (s *PostgresStore) GetSpec(ctx context.Context, specID string) (*models.Spec, error) {
	var (
		spec        models.Spec
		request     []byte
		loadProfile []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, request, load_profile FROM specs WHERE id = $1`, specID).
		Scan(&spec.ID, &spec.Name, &request, &loadProfile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get spec: %w", err)
	}
	if err := json.Unmarshal(request, &spec.Request); err != nil {
		return nil, fmt.Errorf("unmarshal spec request: %w", err)
	}
	if err := json.Unmarshal(loadProfile, &spec.LoadProfile); err != nil {
		return nil, fmt.Errorf("unmarshal spec load profile: %w", err)
	}
	return &spec, nil
}

// PutSpec inserts or replaces a spec.
func (s *PostgresStore) PutSpec(ctx context.Context, spec *models.Spec) error {
	request, err := json.Marshal(spec.Request)
	if err != nil {
		return fmt.Errorf("marshal spec request: %w", err)
	}
	loadProfile, err := json.Marshal(spec.LoadProfile)
	if err != nil {
		return fmt.Errorf("marshal spec load profile: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO specs (id, name, request, load_profile) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, request = $3, load_profile = $4`,
		spec.ID, spec.Name, request, loadProfile,
	)
	if err != nil {
		return fmt.Errorf("put spec: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun reads one runs row into a RunRecord.
func scanRun(row rowScanner) (*models.RunRecord, error) {
	var (
		rec      models.RunRecord
		progress []byte
		summary  []byte
		runErr   []byte
	)
	if err := row.Scan(&rec.ID, &rec.SpecID, &rec.SpecName, &rec.Status,
		&rec.StartedAt, &rec.CompletedAt, &progress, &summary, &runErr); err != nil {
		return nil, err
	}
	if progress != nil {
		rec.Progress = &models.ProgressMetrics{}
		if err := json.Unmarshal(progress, rec.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if summary != nil {
		rec.Summary = &models.RunSummary{}
		if err := json.Unmarshal(summary, rec.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if runErr != nil {
		rec.Error = &models.RunError{}
		if err := json.Unmarshal(runErr, rec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return &rec, nil
}

// marshalRunFields JSON-encodes the nullable record fields for insert.
func marshalRunFields(rec *models.RunRecord) (progress, summary, runErr []byte, err error) {
	if rec.Progress != nil {
		if progress, err = json.Marshal(rec.Progress); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal progress: %w", err)
		}
	}
	if rec.Summary != nil {
		if summary, err = json.Marshal(rec.Summary); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal summary: %w", err)
		}
	}
	if rec.Error != nil {
		if runErr, err = json.Marshal(rec.Error); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal error: %w", err)
		}
	}
	return progress, summary, runErr, nil
}
