// Package memory is the in-process store used for local runs and tests. Each
// customer and transaction record carries its own mutex; the maps themselves
// are guarded only for membership.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qms/counter-service/internal/assignment"
	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

type customerRecord struct {
	mu       sync.Mutex
	customer models.Customer
	events   []models.QueueEvent
}

type transactionRecord struct {
	mu          sync.Mutex
	tx          models.Transaction
	settlements []models.Settlement
}

type Store struct {
	// resetMu lets ResetQueue run alone: every other queue or counter
	// mutation holds it shared.
	resetMu sync.RWMutex

	mu           sync.RWMutex
	customers    map[int64]*customerRecord
	transactions map[string]*transactionRecord
	settlements  map[string]string

	counters   *assignment.Table
	lastID     atomic.Int64
	historyMu  sync.Mutex
	history    map[int64]store.ArchiveRecord
	historyLog []int64
}

var (
	_ store.QueueStore      = (*Store)(nil)
	_ store.CounterAssigner = (*Store)(nil)
	_ store.LedgerStore     = (*Store)(nil)
	_ store.Archiver        = (*Store)(nil)
)

func New() *Store {
	return &Store{
		customers:    make(map[int64]*customerRecord),
		transactions: make(map[string]*transactionRecord),
		settlements:  make(map[string]string),
		counters:     assignment.New(),
		history:      make(map[int64]store.ArchiveRecord),
	}
}

func (s *Store) customer(customerID int64) (*customerRecord, error) {
	s.mu.RLock()
	rec, ok := s.customers[customerID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return rec, nil
}

func (s *Store) customerRecords() []*customerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*customerRecord, 0, len(s.customers))
	for _, rec := range s.customers {
		records = append(records, rec)
	}
	return records
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.counters.Upsert(counter)
	return nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	if err := ctx.Err(); err != nil {
		return models.Counter{}, err
	}
	return s.counters.Get(counterID)
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.counters.List(), nil
}

func (s *Store) Bind(ctx context.Context, customerID int64, counterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.counters.Bind(customerID, counterID)
}

func (s *Store) Release(ctx context.Context, counterID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	_, released, err := s.counters.Release(counterID)
	return released, err
}

// Archive keeps the first record per customer; later deliveries of the same
// customer are dropped.
func (s *Store) Archive(ctx context.Context, record store.ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	id := record.Customer.CustomerID
	if _, ok := s.history[id]; ok {
		return nil
	}
	s.history[id] = record
	s.historyLog = append(s.historyLog, id)
	return nil
}

// History returns archived records in arrival order.
func (s *Store) History() []store.ArchiveRecord {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]store.ArchiveRecord, 0, len(s.historyLog))
	for _, id := range s.historyLog {
		out = append(out, s.history[id])
	}
	return out
}

func sortCustomersByID(customers []models.Customer) {
	sort.Slice(customers, func(i, j int) bool {
		return customers[i].CustomerID < customers[j].CustomerID
	})
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
