// Package assignment keeps the counter -> customer relation for the
// in-memory store. Every change to the relation goes through Bind or a
// Release variant, and each is a single check-and-set under the counter's own
// lock.
package assignment

import (
	"sort"
	"sync"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

type slot struct {
	mu      sync.Mutex
	counter models.Counter
}

// Table holds one slot per counter. mu only guards the slot map; counter
// state is guarded by each slot's mutex, and boundMu by the customer index.
// Lock order is slot, then boundMu.
type Table struct {
	mu    sync.RWMutex
	slots map[string]*slot

	boundMu sync.Mutex
	bound   map[int64]string
}

func New() *Table {
	return &Table{
		slots: make(map[string]*slot),
		bound: make(map[int64]string),
	}
}

func (t *Table) slot(counterID string) (*slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[counterID]
	return s, ok
}

// Upsert creates or updates a counter's configuration. The current binding is
// kept.
func (t *Table) Upsert(counter models.Counter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.slots[counter.CounterID]; ok {
		existing.mu.Lock()
		existing.counter.Name = counter.Name
		existing.counter.Active = counter.Active
		existing.mu.Unlock()
		return
	}
	counter.CurrentCustomerID = nil
	t.slots[counter.CounterID] = &slot{counter: counter}
}

func (t *Table) Get(counterID string) (models.Counter, error) {
	s, ok := t.slot(counterID)
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.counter), nil
}

func (t *Table) List() []models.Counter {
	t.mu.RLock()
	slots := make([]*slot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.RUnlock()

	counters := make([]models.Counter, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		counters = append(counters, snapshot(s.counter))
		s.mu.Unlock()
	}
	sort.Slice(counters, func(i, j int) bool {
		return counters[i].CounterID < counters[j].CounterID
	})
	return counters
}

// Bind associates customerID with counterID. Of any number of concurrent
// binds against one counter exactly one succeeds.
func (t *Table) Bind(customerID int64, counterID string) error {
	s, ok := t.slot(counterID)
	if !ok {
		return store.ErrCounterNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.counter.Active {
		return store.ErrCounterInactive
	}
	if current := s.counter.CurrentCustomerID; current != nil {
		if *current == customerID {
			return store.ErrCustomerAlreadyAssigned
		}
		return store.ErrCounterBusy
	}

	t.boundMu.Lock()
	if _, taken := t.bound[customerID]; taken {
		t.boundMu.Unlock()
		return store.ErrCustomerAlreadyAssigned
	}
	t.bound[customerID] = counterID
	t.boundMu.Unlock()

	id := customerID
	s.counter.CurrentCustomerID = &id
	return nil
}

// Release frees the counter. Releasing a free counter is a no-op.
func (t *Table) Release(counterID string) (int64, bool, error) {
	s, ok := t.slot(counterID)
	if !ok {
		return 0, false, store.ErrCounterNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter.CurrentCustomerID == nil {
		return 0, false, nil
	}
	customerID := *s.counter.CurrentCustomerID
	s.counter.CurrentCustomerID = nil
	t.unbind(customerID, counterID)
	return customerID, true, nil
}

// ReleaseCustomer frees whichever counter customerID holds.
func (t *Table) ReleaseCustomer(customerID int64) (string, bool) {
	t.boundMu.Lock()
	counterID, ok := t.bound[customerID]
	t.boundMu.Unlock()
	if !ok {
		return "", false
	}
	s, ok := t.slot(counterID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Released by someone else since the lookup.
	if current := s.counter.CurrentCustomerID; current == nil || *current != customerID {
		return "", false
	}
	s.counter.CurrentCustomerID = nil
	t.unbind(customerID, counterID)
	return counterID, true
}

func (t *Table) unbind(customerID int64, counterID string) {
	t.boundMu.Lock()
	defer t.boundMu.Unlock()
	if t.bound[customerID] == counterID {
		delete(t.bound, customerID)
	}
}

func snapshot(counter models.Counter) models.Counter {
	out := counter
	if counter.CurrentCustomerID != nil {
		id := *counter.CurrentCustomerID
		out.CurrentCustomerID = &id
	}
	return out
}
