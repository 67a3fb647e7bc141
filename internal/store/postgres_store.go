package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/store/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

const (
	defaultDBMaxOpenConns    = 4
	defaultDBMaxIdleConns    = 2
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
	defaultDBMigrateTimeout  = 30 * time.Second
)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, domain.InvalidArgument("archive.database_url is required when archive.driver=postgres")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Internal("failed to open postgres connection", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return &PostgresStore{db: db}, nil
}

// Load checks connectivity and applies pending migrations.
func (s *PostgresStore) Load() error {
	pingCtx, cancel := context.WithTimeout(context.Background(), defaultDBPingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return domain.Unavailable("failed to connect to postgres", err)
	}
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), defaultDBMigrateTimeout)
	defer cancelMigrate()
	return s.ensureSchema(migrateCtx)
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, outcome domain.TrackedOutcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	started, err := parseTimestamp(outcome.StartedAt)
	if err != nil {
		return domain.InvalidArgument("started_at must be RFC3339")
	}
	finished, err := parseTimestamp(outcome.FinishedAt)
	if err != nil {
		return domain.InvalidArgument("finished_at must be RFC3339")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_outcomes (
			id, job_id, state, status, model, prompt, result, message, strategy, polls, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		outcome.ID,
		outcome.JobID,
		outcome.State,
		string(outcome.Status),
		outcome.Model,
		outcome.Prompt,
		outcome.Result,
		outcome.Message,
		outcome.Strategy,
		outcome.Polls,
		started,
		finished,
	)
	if err != nil {
		return domain.Internal("failed to insert tracked outcome", err)
	}
	return nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, limit int) ([]domain.TrackedOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, state, status, model, prompt, result, message, strategy, polls, started_at, finished_at
		FROM tracked_outcomes
		ORDER BY finished_at DESC, id
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, domain.Internal("failed to query tracked outcomes", err)
	}
	defer rows.Close()

	out := []domain.TrackedOutcome{}
	for rows.Next() {
		var (
			outcome  domain.TrackedOutcome
			status   string
			started  time.Time
			finished time.Time
		)
		if err := rows.Scan(
			&outcome.ID,
			&outcome.JobID,
			&outcome.State,
			&status,
			&outcome.Model,
			&outcome.Prompt,
			&outcome.Result,
			&outcome.Message,
			&outcome.Strategy,
			&outcome.Polls,
			&started,
			&finished,
		); err != nil {
			return nil, domain.Internal("failed to scan tracked outcome", err)
		}
		outcome.Status = domain.JobStatus(status)
		outcome.StartedAt = started.UTC().Format(time.RFC3339Nano)
		outcome.FinishedAt = finished.UTC().Format(time.RFC3339Nano)
		out = append(out, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate tracked outcomes", err)
	}
	return out, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return domain.Internal("failed to create schema_migrations", err)
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return domain.Internal("failed to list migrations", err)
	}
	for _, file := range files {
		var applied bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return domain.Internal("failed to check migration state", err)
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return domain.Internal("failed to apply migration", err)
		}
	}
	return nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
