package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/consoleharvest/internal/model"
)

// KV records fingerprints.
type KV interface {
	// SetIfAbsent stores key and reports whether it was absent before.
	// It must be atomic under concurrent callers.
	SetIfAbsent(ctx context.Context, key string) (bool, error)

	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// RecordStore upserts records by (platform, natural key).
type RecordStore interface {
	// UpsertRecords inserts records or, on conflict, overwrites their
	// payload and fingerprint and refreshes last_seen.
	// It returns the number of records written.
	UpsertRecords(ctx context.Context, records []model.Record) (int, error)
}

// PersistResult summarizes one Persist call.
type PersistResult struct {
	// Received is the size of the submitted batch.
	Received int

	// Fresh holds the records whose fingerprint was new, in input order.
	Fresh []model.Record

	// Upserted is the number of rows written by the RecordStore.
	Upserted int
}

// Duplicates returns how many submitted records were already known.
func (r PersistResult) Duplicates() int {
	return r.Received - len(r.Fresh)
}

// Store combines a fingerprint KV with a RecordStore.
type Store struct {
	kv      KV
	records RecordStore
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store. records may be nil when only the "seen before"
// check is wanted.
func NewStore(kv KV, records RecordStore, opts ...Option) *Store {
	s := &Store{kv: kv, records: records}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// IsNew reports whether r's fingerprint was unseen, recording it if so.
func (s *Store) IsNew(ctx context.Context, r model.Record) (bool, error) {
	fresh, err := s.kv.SetIfAbsent(ctx, string(r.Fingerprint()))
	if err != nil {
		return false, fmt.Errorf("%w: fingerprint check: %w", model.ErrStorageUnavailable, err)
	}
	return fresh, nil
}

// BatchUpsert writes records to the RecordStore. Records sharing a natural
// key are collapsed to the last one, so a batch never writes a row twice.
func (s *Store) BatchUpsert(ctx context.Context, records []model.Record) (int, error) {
	if s.records == nil || len(records) == 0 {
		return 0, nil
	}
	n, err := s.records.UpsertRecords(ctx, latestByKey(records))
	if err != nil {
		return 0, fmt.Errorf("%w: upsert: %w", model.ErrStorageUnavailable, err)
	}
	return n, nil
}

// Persist claims the fingerprints of records, then upserts every received
// record so that unchanged records still refresh last_seen. Fresh lists the
// records whose fingerprint was new; only those go on to file sinks and
// anomaly rules.
//
// A storage failure fails the whole batch with model.ErrStorageUnavailable
// and releases the fingerprints this call claimed, so resubmitting the batch
// treats those records as new again.
func (s *Store) Persist(ctx context.Context, records []model.Record) (PersistResult, error) {
	result := PersistResult{Received: len(records)}
	for _, r := range records {
		fresh, err := s.IsNew(ctx, r)
		if err != nil {
			return PersistResult{Received: len(records)}, s.rollback(ctx, result.Fresh, err)
		}
		if fresh {
			result.Fresh = append(result.Fresh, r)
		}
	}

	n, err := s.BatchUpsert(ctx, records)
	if err != nil {
		return PersistResult{Received: len(records)}, s.rollback(ctx, result.Fresh, err)
	}
	result.Upserted = n

	s.logger.Debug("batch persisted",
		"received", result.Received,
		"fresh", len(result.Fresh),
		"upserted", result.Upserted,
	)
	return result, nil
}

// Release forgets the fingerprints of records. Callers use it when a batch
// that Persist accepted could not be written to a later sink.
func (s *Store) Release(ctx context.Context, records []model.Record) error {
	var errs []error
	for _, r := range records {
		if err := s.kv.Delete(ctx, string(r.Fingerprint())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: release %d fingerprint(s): %w",
			model.ErrStorageUnavailable, len(errs), errors.Join(errs...))
	}
	return nil
}

// rollback releases claimed fingerprints after cause failed the batch.
func (s *Store) rollback(ctx context.Context, claimed []model.Record, cause error) error {
	if len(claimed) == 0 {
		return cause
	}
	if err := s.Release(context.WithoutCancel(ctx), claimed); err != nil {
		s.logger.Error("failed to release fingerprints", "count", len(claimed), "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// latestByKey keeps the last record per (platform, key), in order of first
// appearance.
func latestByKey(records []model.Record) []model.Record {
	index := make(map[[2]string]int, len(records))
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		k := [2]string{r.Platform, r.Key}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// MemoryKV is an in-process KV. It is safe for concurrent use.
type MemoryKV struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{keys: make(map[string]struct{})}
}

// SetIfAbsent implements KV.
func (m *MemoryKV) SetIfAbsent(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Len returns the number of recorded keys.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
