package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nao1215/consoleharvest/internal/model"
)

// DefaultPostgresBatch is the number of rows queued per pgx batch.
const DefaultPostgresBatch = 200

// ErrInvalidSchema is returned for schema names that are not plain identifiers.
var ErrInvalidSchema = errors.New("invalid schema name")

// PostgresOptions configures a Postgres store.
type PostgresOptions struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// Schema holds the records and fingerprints tables. Default "public".
	Schema string

	// MaxConns bounds the pool. Default 4.
	MaxConns int32

	// ViaBouncer switches to the simple protocol for PgBouncer in
	// transaction pooling mode.
	ViaBouncer bool

	// BatchSize is the number of upserts sent per round trip.
	BatchSize int
}

// Postgres implements dedup.KV and dedup.RecordStore on a pgx pool.
type Postgres struct {
	pool      *pgxpool.Pool
	schema    string
	batchSize int
}

// OpenPostgres connects and creates the tables if needed.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	if !isIdentifier(schema) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultPostgresBatch
	}

	p := &Postgres{pool: pool, schema: schema, batchSize: batch}
	if err := p.createTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) table(name string) string {
	return fmt.Sprintf(`"%s".%s`, p.schema, name)
}

func (p *Postgres) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS "` + p.schema + `"`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("harvest_records") + ` (
			platform TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			fingerprint TEXT NOT NULL,
			fetched_at TIMESTAMPTZ,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (platform, natural_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("harvest_fingerprints") + ` (
			fingerprint TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("harvest_runs") + ` (
			id TEXT PRIMARY KEY,
			flow TEXT NOT NULL,
			account TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			termination TEXT NOT NULL,
			summary JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS harvest_runs_flow_started
			ON ` + p.table("harvest_runs") + ` (flow, started_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetIfAbsent records a fingerprint and reports whether it was new.
func (p *Postgres) SetIfAbsent(ctx context.Context, key string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table("harvest_fingerprints")+` (fingerprint) VALUES ($1)
		ON CONFLICT (fingerprint) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete forgets a fingerprint.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+p.table("harvest_fingerprints")+` WHERE fingerprint = $1`, key); err != nil {
		return fmt.Errorf("failed to delete fingerprint: %w", err)
	}
	return nil
}

// UpsertRecords inserts records or overwrites payload and fingerprint of
// existing rows, refreshing last_seen. Rows are sent in batches.
func (p *Postgres) UpsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `INSERT INTO ` + p.table("harvest_records") + `
		(platform, natural_key, payload, fingerprint, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (platform, natural_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			fingerprint = EXCLUDED.fingerprint,
			fetched_at = EXCLUDED.fetched_at,
			last_seen = now()`

	total := 0
	for i := 0; i < len(records); i += p.batchSize {
		j := min(i+p.batchSize, len(records))

		b := &pgx.Batch{}
		for _, r := range records[i:j] {
			payload, err := json.Marshal(r.Fields)
			if err != nil {
				return total, fmt.Errorf("failed to serialize record %s/%s: %w", r.Platform, r.Key, err)
			}
			var fetchedAt interface{}
			if !r.FetchedAt.IsZero() {
				fetchedAt = r.FetchedAt.UTC()
			}
			b.Queue(query, r.Platform, r.Key, string(payload), string(r.Fingerprint()), fetchedAt)
		}

		br := p.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("failed to upsert record: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// SaveSummary stores the summary of a finalized run. Saving the same run
// twice replaces it.
func (p *Postgres) SaveSummary(ctx context.Context, summary model.RunSummary) error {
	if summary.EndedAt.IsZero() {
		return ErrRunNotFinished
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO `+p.table("harvest_runs")+`
		(id, flow, account, mode, started_at, ended_at, termination, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			termination = EXCLUDED.termination,
			summary = EXCLUDED.summary`,
		summary.ID, summary.Flow, summary.Account, string(summary.Mode),
		summary.StartedAt.UTC(), summary.EndedAt.UTC(), string(summary.Termination), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns saved runs, newest first. An empty flow lists every flow;
// limit <= 0 means no limit.
func (p *Postgres) ListRuns(ctx context.Context, flow string, limit int) ([]model.RunSummary, error) {
	query := `SELECT summary FROM ` + p.table("harvest_runs") + ` WHERE ($1 = '' OR flow = $1)
		ORDER BY started_at DESC`
	args := []any{flow}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var summary model.RunSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			continue // Skip malformed rows
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}

// isIdentifier accepts lower-case SQL identifiers without quoting concerns.
func isIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return !strings.HasPrefix(s, "pg_")
}
