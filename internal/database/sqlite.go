package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/consoleharvest/internal/model"
)

// DatabaseFile is the SQLite file name inside the data directory.
const DatabaseFile = "harvest.db"

// ErrRunNotFinished is returned when saving a run that has not been finalized.
var ErrRunNotFinished = errors.New("harvest run is not finished")

// SQLite stores records, fingerprints and run history in one SQLite file.
// It implements dedup.KV and dedup.RecordStore.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// Options configures SQLite behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the database in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*SQLite, error) {
	dbPath := filepath.Join(dbDir, DatabaseFile)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw refuses to create a missing file.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		platform TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		fetched_at DATETIME,
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (platform, natural_key)
	);

	CREATE INDEX IF NOT EXISTS idx_records_last_seen ON records(last_seen);

	-- Fingerprints never expire.
	CREATE TABLE IF NOT EXISTS fingerprints (
		fingerprint TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS harvest_runs (
		id TEXT PRIMARY KEY,
		flow TEXT NOT NULL,
		account TEXT,
		mode TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		termination TEXT,
		summary_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_flow ON harvest_runs(flow);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON harvest_runs(started_at);
	`

	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// SetIfAbsent records a fingerprint and reports whether it was new.
func (s *SQLite) SetIfAbsent(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (fingerprint) VALUES (?) ON CONFLICT(fingerprint) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record fingerprint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete forgets a fingerprint.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE fingerprint = ?`, key); err != nil {
		return fmt.Errorf("failed to delete fingerprint: %w", err)
	}
	return nil
}

// UpsertRecords inserts records or overwrites payload and fingerprint of
// existing rows, refreshing last_seen. All rows are written in one transaction.
func (s *SQLite) UpsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (platform, natural_key, payload, fingerprint, fetched_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(platform, natural_key) DO UPDATE SET
		payload = excluded.payload,
		fingerprint = excluded.fingerprint,
		fetched_at = excluded.fetched_at,
		last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		payload, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize record %s/%s: %w", r.Platform, r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Platform,
			r.Key,
			string(payload),
			string(r.Fingerprint()),
			formatTimestamp(r.FetchedAt),
		); err != nil {
			return 0, fmt.Errorf("failed to upsert record %s/%s: %w", r.Platform, r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return len(records), nil
}

// StoredRecord is a row of the records table.
type StoredRecord struct {
	Record      model.Record
	Fingerprint model.Fingerprint
	FirstSeen   time.Time
	LastSeen    time.Time
}

// GetRecord retrieves a record by platform and natural key.
// It returns nil without error when the record does not exist.
func (s *SQLite) GetRecord(ctx context.Context, platform, key string) (*StoredRecord, error) {
	query := `
	SELECT payload, fingerprint, fetched_at, first_seen, last_seen
	FROM records
	WHERE platform = ? AND natural_key = ?
	`

	var payload, fingerprint string
	var fetchedAt sql.NullString
	var firstSeen, lastSeen string

	err := s.db.QueryRowContext(ctx, query, platform, key).Scan(
		&payload, &fingerprint, &fetchedAt, &firstSeen, &lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	stored := &StoredRecord{
		Record: model.Record{
			Platform: platform,
			Key:      key,
		},
		Fingerprint: model.Fingerprint(fingerprint),
		FirstSeen:   parseTimestamp(firstSeen),
		LastSeen:    parseTimestamp(lastSeen),
	}
	if fetchedAt.Valid {
		stored.Record.FetchedAt = parseTimestamp(fetchedAt.String)
	}
	if err := json.Unmarshal([]byte(payload), &stored.Record.Fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	return stored, nil
}

// CountRecords returns the number of stored records, optionally for one platform.
func (s *SQLite) CountRecords(ctx context.Context, platform string) (int, error) {
	query := `SELECT COUNT(*) FROM records`
	args := make([]interface{}, 0, 1)
	if platform != "" {
		query += ` WHERE platform = ?`
		args = append(args, platform)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// SaveRun stores a finalized run. Saving the same run twice replaces it.
func (s *SQLite) SaveRun(ctx context.Context, run *model.HarvestRun) error {
	if run == nil || !run.Finished() {
		return ErrRunNotFinished
	}
	return s.SaveSummary(ctx, run.Snapshot())
}

// SaveSummary stores the summary of a finalized run.
func (s *SQLite) SaveSummary(ctx context.Context, summary model.RunSummary) error {
	if summary.EndedAt.IsZero() {
		return ErrRunNotFinished
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	query := `
	INSERT INTO harvest_runs (id, flow, account, mode, started_at, ended_at, termination, summary_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ended_at = excluded.ended_at,
		termination = excluded.termination,
		summary_json = excluded.summary_json
	`

	_, err = s.db.ExecContext(ctx, query,
		summary.ID,
		summary.Flow,
		summary.Account,
		string(summary.Mode),
		formatTimestamp(summary.StartedAt),
		formatTimestamp(summary.EndedAt),
		string(summary.Termination),
		string(summaryJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns saved runs, newest first. An empty flow lists every flow;
// limit <= 0 means no limit.
func (s *SQLite) ListRuns(ctx context.Context, flow string, limit int) ([]model.RunSummary, error) {
	query := `
	SELECT summary_json FROM harvest_runs
	WHERE 1=1
	`
	args := make([]interface{}, 0, 2)

	if flow != "" {
		query += " AND flow = ?"
		args = append(args, flow)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var summaryJSON string
		if err := rows.Scan(&summaryJSON); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		var summary model.RunSummary
		if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
			continue // Skip malformed rows
		}
		runs = append(runs, summary)
	}

	return runs, rows.Err()
}

// GetRun retrieves a saved run by ID. It returns nil without error when
// the run does not exist.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	var summaryJSON string
	err := s.db.QueryRowContext(ctx, `SELECT summary_json FROM harvest_runs WHERE id = ?`, id).Scan(&summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var summary model.RunSummary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, fmt.Errorf("failed to parse run: %w", err)
	}
	return &summary, nil
}

// sqliteTimestamp is the layout written for DATETIME columns.
const sqliteTimestamp = "2006-01-02 15:04:05.000"

// formatTimestamp renders t in UTC for DATETIME columns. The zero time is
// stored as NULL.
func formatTimestamp(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimestamp)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	"2006-01-02 15:04:05",     // SQLite default datetime format
	"2006-01-02T15:04:05Z",    // ISO 8601 with Z suffix
	"2006-01-02T15:04:05",     // ISO 8601 without timezone
	time.RFC3339,              // Full RFC3339 format
	time.RFC3339Nano,          // RFC3339 with nanoseconds
	"2006-01-02 15:04:05.999", // SQLite with milliseconds
}

// parseTimestamp attempts to parse a timestamp string using multiple formats.
// If parsing fails with all formats, returns zero time.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
