package main

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nao1215/consoleharvest/internal/config"
	"github.com/nao1215/consoleharvest/internal/database"
	"github.com/nao1215/consoleharvest/internal/dedup"
	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/pipeline"
)

// storage is everything a harvest keeps between runs: fingerprints,
// records and run history.
type storage interface {
	dedup.KV
	dedup.RecordStore
	pipeline.RunHistory
	ListRuns(ctx context.Context, flow string, limit int) ([]model.RunSummary, error)
	Close() error
}

var (
	_ storage = (*database.SQLite)(nil)
	_ storage = (*database.Postgres)(nil)
	_ storage = (*memoryStorage)(nil)
)

// openStorage opens the backend selected by cfg.
func openStorage(ctx context.Context, cfg *config.Config) (storage, error) {
	switch cfg.Database {
	case config.DatabaseSQLite:
		db, err := database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	case config.DatabasePostgres:
		db, err := database.OpenPostgres(ctx, database.PostgresOptions{
			DSN:    cfg.PostgresDSN,
			Schema: cfg.PostgresSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	case config.DatabaseMemory:
		return newMemoryStorage(), nil
	default:
		return nil, config.ErrInvalidDatabase
	}
}

// memoryStorage keeps fingerprints and run history for the life of the
// process. Records are counted, not kept.
type memoryStorage struct {
	*dedup.MemoryKV

	mu   sync.Mutex
	runs []model.RunSummary
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{MemoryKV: dedup.NewMemoryKV()}
}

// UpsertRecords implements dedup.RecordStore.
func (m *memoryStorage) UpsertRecords(_ context.Context, records []model.Record) (int, error) {
	return len(records), nil
}

// SaveSummary implements pipeline.RunHistory.
func (m *memoryStorage) SaveSummary(_ context.Context, summary model.RunSummary) error {
	if summary.EndedAt.IsZero() {
		return database.ErrRunNotFinished
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, summary)
	return nil
}

// ListRuns returns the saved runs, newest first.
func (m *memoryStorage) ListRuns(_ context.Context, flow string, limit int) ([]model.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []model.RunSummary
	for _, r := range slices.Backward(m.runs) {
		if flow != "" && r.Flow != flow {
			continue
		}
		runs = append(runs, r)
	}
	slices.SortStableFunc(runs, func(a, b model.RunSummary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close implements storage.
func (m *memoryStorage) Close() error {
	return nil
}
