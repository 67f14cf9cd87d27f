// Package pg is the managed run-log backend: Postgres through the pgx
// stdlib driver, schema managed by embedded migrations.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/gofer/internal/store"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// Store implements store.RunLog backed by Postgres.
type Store struct {
	db *sql.DB
}

var _ store.RunLog = (*Store)(nil)

// Open migrates the schema and returns a ready store.
func Open(dsn string) (*Store, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// migrateUp applies pending migrations on a short-lived connection so the
// migrator's Close cannot take the store's own handle down with it.
func migrateUp(dsn string) error {
	src, err := iofs.New(Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, dirty, _ := m.Version()
	slog.Debug("store.migrated", "backend", "postgres", "version", v, "dirty", dirty)
	return nil
}

func (s *Store) SaveRun(ctx context.Context, r store.Run) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task, tool_tag, model, auth_method, cached, verdict,
		                   input_tokens, output_tokens, cost_usd, elapsed_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Task, r.ToolTag, r.Model, r.AuthMethod, r.Cached, r.Verdict,
		r.InputTokens, r.OutputTokens, r.CostUSD, r.ElapsedMS, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) SaveStep(ctx context.Context, st store.Step) error {
	created := st.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, seq, kind, model, attempt, verdict, sample,
		                        input_tokens, output_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.RunID, st.Seq, st.Kind, st.Model, st.Attempt, st.Verdict, st.Sample,
		st.InputTokens, st.OutputTokens, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// SaveAgentSession upserts by session id; a resumed session overwrites its
// earlier snapshot.
func (s *Store) SaveAgentSession(ctx context.Context, a store.AgentSession) error {
	var finished any
	if !a.FinishedAt.IsZero() {
		finished = a.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, external_id, status, task, work_dir, model,
		                             iterations, input_tokens, output_tokens,
		                             created_paths, modified_paths, deleted_paths,
		                             error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     external_id    = excluded.external_id,
		     status         = excluded.status,
		     iterations     = excluded.iterations,
		     input_tokens   = excluded.input_tokens,
		     output_tokens  = excluded.output_tokens,
		     created_paths  = excluded.created_paths,
		     modified_paths = excluded.modified_paths,
		     deleted_paths  = excluded.deleted_paths,
		     error          = excluded.error,
		     finished_at    = excluded.finished_at`,
		a.ID, a.ExternalID, a.Status, a.Task, a.WorkDir, a.Model,
		a.Iterations, a.InputTokens, a.OutputTokens,
		pq.Array(nonNil(a.Created)), pq.Array(nonNil(a.Modified)), pq.Array(nonNil(a.Deleted)),
		a.Error, a.StartedAt.UTC(), finished,
	)
	if err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

func (s *Store) RecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, tool_tag, model, auth_method, cached, verdict,
		        input_tokens, output_tokens, cost_usd, elapsed_ms, created_at
		 FROM runs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		var r store.Run
		if err := rows.Scan(&r.ID, &r.Task, &r.ToolTag, &r.Model, &r.AuthMethod,
			&r.Cached, &r.Verdict, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RunSteps(ctx context.Context, runID string) ([]store.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, model, attempt, verdict, sample,
		        input_tokens, output_tokens, created_at
		 FROM run_steps WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("run steps: %w", err)
	}
	defer rows.Close()

	var out []store.Step
	for rows.Next() {
		var st store.Step
		if err := rows.Scan(&st.RunID, &st.Seq, &st.Kind, &st.Model, &st.Attempt,
			&st.Verdict, &st.Sample, &st.InputTokens, &st.OutputTokens,
			&st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AgentSessions returns persisted snapshots, newest first.
func (s *Store) AgentSessions(ctx context.Context, limit int) ([]store.AgentSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, status, task, work_dir, model, iterations,
		        input_tokens, output_tokens, created_paths, modified_paths,
		        deleted_paths, error, started_at, finished_at
		 FROM agent_sessions ORDER BY started_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("agent sessions: %w", err)
	}
	defer rows.Close()

	var out []store.AgentSession
	for rows.Next() {
		var a store.AgentSession
		var created, modified, deleted pq.StringArray
		var finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.ExternalID, &a.Status, &a.Task, &a.WorkDir,
			&a.Model, &a.Iterations, &a.InputTokens, &a.OutputTokens,
			&created, &modified, &deleted, &a.Error,
			&a.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		a.Created, a.Modified, a.Deleted = created, modified, deleted
		if finished.Valid {
			a.FinishedAt = finished.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ping verifies connectivity. Used by doctor.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version from the
// schema_migrations bookkeeping table.
func (s *Store) SchemaVersion(ctx context.Context) (version uint, dirty bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	return version, dirty, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nonNil keeps empty path sets as '{}' rather than NULL.
func nonNil(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}
