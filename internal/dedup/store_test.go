package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nao1215/consoleharvest/internal/model"
)

// tableStore keeps one row per (platform, key), like the SQL stores.
type tableStore struct {
	mu     sync.Mutex
	rows   map[string]model.Record
	writes int
	err    error
}

func newTableStore() *tableStore {
	return &tableStore{rows: make(map[string]model.Record)}
}

func (s *tableStore) UpsertRecords(_ context.Context, records []model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	for _, r := range records {
		s.rows[r.Platform+"/"+r.Key] = r
		s.writes++
	}
	return len(records), nil
}

// failingKV fails every call.
type failingKV struct{}

func (failingKV) SetIfAbsent(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingKV) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

// flakyKV fails SetIfAbsent after the first limit calls.
type flakyKV struct {
	*MemoryKV
	calls atomic.Int32
	limit int32
}

func (f *flakyKV) SetIfAbsent(ctx context.Context, key string) (bool, error) {
	if f.calls.Add(1) > f.limit {
		return false, errors.New("connection reset")
	}
	return f.MemoryKV.SetIfAbsent(ctx, key)
}

func record(key string, fields map[string]string) model.Record {
	return model.Record{Platform: "acme", Key: key, Fields: fields}
}

func newTestStore(kv KV, rs RecordStore) *Store {
	return NewStore(kv, rs, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestStoreIsNew(t *testing.T) {
	t.Parallel()

	store := newTestStore(NewMemoryKV(), nil)
	ctx := context.Background()
	r := record("A", map[string]string{"qty": "1"})

	first, err := store.IsNew(ctx, r)
	if err != nil {
		t.Fatalf("IsNew() error = %v", err)
	}
	second, err := store.IsNew(ctx, r)
	if err != nil {
		t.Fatalf("IsNew() error = %v", err)
	}
	if !first || second {
		t.Errorf("IsNew() = %v then %v, want true then false", first, second)
	}

	changed := record("A", map[string]string{"qty": "2"})
	fresh, err := store.IsNew(ctx, changed)
	if err != nil {
		t.Fatalf("IsNew() error = %v", err)
	}
	if !fresh {
		t.Error("record with changed fields should be new")
	}
}

func TestStoreRelease(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV()
	store := newTestStore(kv, nil)
	ctx := context.Background()
	r := record("A", map[string]string{"qty": "1"})

	if _, err := store.IsNew(ctx, r); err != nil {
		t.Fatalf("IsNew() error = %v", err)
	}
	if err := store.Release(ctx, []model.Record{r}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	fresh, err := store.IsNew(ctx, r)
	if err != nil {
		t.Fatalf("IsNew() error = %v", err)
	}
	if !fresh {
		t.Error("released record should be new again")
	}

	if err := newTestStore(failingKV{}, nil).Release(ctx, []model.Record{r}); !errors.Is(err, model.ErrStorageUnavailable) {
		t.Errorf("Release() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestStoreIsNewConcurrent(t *testing.T) {
	t.Parallel()

	store := newTestStore(NewMemoryKV(), nil)
	r := record("A", map[string]string{"qty": "1"})

	var newCount atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := store.IsNew(context.Background(), r)
			if err == nil && fresh {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := newCount.Load(); got != 1 {
		t.Errorf("IsNew() reported new %d times, want 1", got)
	}
}

func TestStorePersist(t *testing.T) {
	t.Parallel()

	t.Run("resubmission creates no duplicate rows", func(t *testing.T) {
		t.Parallel()

		table := newTableStore()
		store := newTestStore(NewMemoryKV(), table)
		ctx := context.Background()

		batch := []model.Record{
			record("A", map[string]string{"qty": "1"}),
			record("B", map[string]string{"qty": "2"}),
		}

		first, err := store.Persist(ctx, batch)
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if len(first.Fresh) != 2 || first.Upserted != 2 || first.Duplicates() != 0 {
			t.Errorf("first Persist() = %+v", first)
		}

		second, err := store.Persist(ctx, batch)
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		// Unchanged records are written again to refresh last_seen.
		if len(second.Fresh) != 0 || second.Upserted != 2 || second.Duplicates() != 2 {
			t.Errorf("second Persist() = %+v", second)
		}
		if len(table.rows) != 2 {
			t.Errorf("rows = %d, want 2", len(table.rows))
		}
	})

	t.Run("changed record overwrites its row", func(t *testing.T) {
		t.Parallel()

		table := newTableStore()
		store := newTestStore(NewMemoryKV(), table)
		ctx := context.Background()

		if _, err := store.Persist(ctx, []model.Record{record("A", map[string]string{"status": "open"})}); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		result, err := store.Persist(ctx, []model.Record{record("A", map[string]string{"status": "closed"})})
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if len(result.Fresh) != 1 {
			t.Errorf("fresh = %d, want 1", len(result.Fresh))
		}
		if len(table.rows) != 1 || table.rows["acme/A"].Field("status") != "closed" {
			t.Errorf("rows = %v", table.rows)
		}
	})

	t.Run("duplicates inside one batch are written once", func(t *testing.T) {
		t.Parallel()

		table := newTableStore()
		store := newTestStore(NewMemoryKV(), table)

		r := record("A", map[string]string{"qty": "1"})
		result, err := store.Persist(context.Background(), []model.Record{r, r, r})
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if len(result.Fresh) != 1 || table.writes != 1 {
			t.Errorf("fresh = %d, writes = %d, want 1 and 1", len(result.Fresh), table.writes)
		}
	})

	t.Run("kv failure is storage unavailable", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(failingKV{}, newTableStore())
		_, err := store.Persist(context.Background(), []model.Record{record("A", nil)})
		if !errors.Is(err, model.ErrStorageUnavailable) {
			t.Errorf("Persist() error = %v, want ErrStorageUnavailable", err)
		}
	})

	t.Run("relational failure is storage unavailable", func(t *testing.T) {
		t.Parallel()

		table := newTableStore()
		table.err = fmt.Errorf("database is locked")
		kv := NewMemoryKV()
		store := newTestStore(kv, table)
		batch := []model.Record{record("A", map[string]string{"qty": "1"})}

		result, err := store.Persist(context.Background(), batch)
		if !errors.Is(err, model.ErrStorageUnavailable) {
			t.Errorf("Persist() error = %v, want ErrStorageUnavailable", err)
		}
		if len(result.Fresh) != 0 || result.Received != 1 {
			t.Errorf("result = %+v", result)
		}
		if kv.Len() != 0 {
			t.Errorf("fingerprints = %d after failed upsert, want 0", kv.Len())
		}

		// The store recovers and the run is repeated.
		table.mu.Lock()
		table.err = nil
		table.mu.Unlock()

		result, err = store.Persist(context.Background(), batch)
		if err != nil {
			t.Fatalf("Persist() after recovery error = %v", err)
		}
		if len(result.Fresh) != 1 || result.Upserted != 1 {
			t.Errorf("result after recovery = %+v, want 1 fresh and 1 upserted", result)
		}
		if _, ok := table.rows["acme/A"]; !ok {
			t.Error("record A was not stored after recovery")
		}
	})

	t.Run("kv failure mid batch releases earlier fingerprints", func(t *testing.T) {
		t.Parallel()

		kv := &flakyKV{MemoryKV: NewMemoryKV(), limit: 1}
		table := newTableStore()
		store := newTestStore(kv, table)

		_, err := store.Persist(context.Background(), []model.Record{
			record("A", map[string]string{"qty": "1"}),
			record("B", map[string]string{"qty": "2"}),
		})
		if !errors.Is(err, model.ErrStorageUnavailable) {
			t.Errorf("Persist() error = %v, want ErrStorageUnavailable", err)
		}
		if kv.Len() != 0 {
			t.Errorf("fingerprints = %d, want 0", kv.Len())
		}
		if len(table.rows) != 0 {
			t.Errorf("rows = %d, want 0", len(table.rows))
		}
	})

	t.Run("unchanged record refreshes its row", func(t *testing.T) {
		t.Parallel()

		table := newTableStore()
		store := newTestStore(NewMemoryKV(), table)
		r := record("A", map[string]string{"qty": "1"})

		for range 3 {
			if _, err := store.Persist(context.Background(), []model.Record{r}); err != nil {
				t.Fatalf("Persist() error = %v", err)
			}
		}
		if table.writes != 3 || len(table.rows) != 1 {
			t.Errorf("writes = %d, rows = %d, want 3 and 1", table.writes, len(table.rows))
		}
	})

	t.Run("kv only", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(NewMemoryKV(), nil)
		result, err := store.Persist(context.Background(), []model.Record{record("A", nil)})
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if len(result.Fresh) != 1 || result.Upserted != 0 {
			t.Errorf("result = %+v", result)
		}
	})
}
