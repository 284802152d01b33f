package fib

import (
	"io"
	"net/netip"
	"sync"
)

// Shared is a Table guarded by a single-writer, multi-reader lock.
// Insertions exclude every other call; lookups and diagnostics run
// concurrently with each other.
type Shared struct {
	mu    sync.RWMutex
	table *Table
}

// NewShared wraps t. The caller must not use t directly afterwards.
func NewShared(t *Table) *Shared {
	return &Shared{table: t}
}

// AddRoute installs r under the write lock.
func (s *Shared) AddRoute(r Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.AddRoute(r)
}

// Lookup resolves dst under the read lock.
func (s *Shared) Lookup(dst netip.Addr) (NextHop, error) {
	s.mu.RLock()
	nh, err := s.table.Lookup(dst)
	s.mu.RUnlock()
	return nh, err
}

// Routes lists installed routes under the read lock.
func (s *Shared) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Routes()
}

// Dump writes the trie under the read lock.
func (s *Shared) Dump(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Dump(w)
}

// Stats returns pool usage under the read lock.
func (s *Shared) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Stats()
}

// Verify checks table invariants under the read lock.
func (s *Shared) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Verify()
}
