// Package memory provides an in-memory LocalStore used for tests, ephemeral
// environments and the command's default driver.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"taxonmap/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.LocalStore   = (*Store)(nil)
	_ domain.RecordWriter = (*Store)(nil)
)

type memoryState struct {
	records map[uint64]domain.Record
	index   map[domain.Key]uint64
	next    uint64
}

func newMemoryState() memoryState {
	return memoryState{
		records: make(map[uint64]domain.Record),
		index:   make(map[domain.Key]uint64),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		records: make(map[uint64]domain.Record, len(s.records)),
		index:   make(map[domain.Key]uint64, len(s.index)),
		next:    s.next,
	}
	for id, rec := range s.records {
		out.records[id] = rec.Clone()
	}
	for k, id := range s.index {
		out.index[k] = id
	}
	return out
}

// Snapshot is a point-in-time copy of every stored record.
type Snapshot struct {
	Records []domain.Record `json:"records"`
}

// Store keeps records in maps guarded by a RWMutex. Every record is indexed
// under the canonical form of each key it carries.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	reg   *domain.Registry
}

// NewStore constructs an empty store. A nil registry uses the defaults.
func NewStore(reg *domain.Registry) *Store {
	if reg == nil {
		reg = domain.NewRegistry()
	}
	return &Store{state: newMemoryState(), reg: reg}
}

// LookupBatch returns the stored record for every key it knows. Records are
// returned whole; want is not used to trim them.
func (s *Store) LookupBatch(ctx context.Context, keys []domain.Key, _ []domain.KeyType) (map[domain.Key]domain.Record, error) {
	out := make(map[domain.Key]domain.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreUnavailable(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		id, ok := s.state.index[s.reg.Canonical(k)]
		if !ok {
			continue
		}
		rec := s.state.records[id].Clone()
		rec.Origin = domain.OriginLocal
		out[k] = rec
	}
	return out, nil
}

// WriteBack merges records into the store in a single all-or-nothing step.
// Records that conflict with stored data are skipped and their conflicts
// returned; the rest are still applied.
func (s *Store) WriteBack(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	var errs []error
	for _, rec := range records {
		if err := next.apply(s.reg, rec); err != nil {
			errs = append(errs, err)
		}
	}
	s.state = next
	if len(errs) > 0 {
		return fmt.Errorf("write back: %w", errors.Join(errs...))
	}
	return nil
}

func (s *memoryState) apply(reg *domain.Registry, rec domain.Record) error {
	rec = rec.Normalized()
	rec.Origin = ""
	keys := reg.RecordKeys(rec)
	if len(keys) == 0 {
		return nil
	}
	ids := make([]uint64, 0, 2)
	seen := make(map[uint64]struct{})
	for _, k := range keys {
		id, ok := s.index[k]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var merged domain.Record
	for i, id := range ids {
		if i == 0 {
			merged = s.records[id]
			continue
		}
		m, err := domain.Merge(merged, s.records[id])
		if err != nil {
			return err
		}
		merged = m
	}
	merged, err := domain.Merge(merged, rec)
	if err != nil {
		return err
	}
	merged.Origin = ""

	var target uint64
	if len(ids) == 0 {
		s.next++
		target = s.next
	} else {
		target = ids[0]
		for _, id := range ids[1:] {
			delete(s.records, id)
		}
	}
	s.records[target] = merged
	// merged carries every key of the coalesced records
	for _, k := range reg.RecordKeys(merged) {
		s.index[k] = target
	}
	return nil
}

// Len returns the number of distinct stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.records)
}

// ExportState returns a deep copy of every stored record, ordered by insertion.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.state.records))
	for id := range s.state.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := Snapshot{Records: make([]domain.Record, 0, len(ids))}
	for _, id := range ids {
		out.Records = append(out.Records, s.state.records[id].Clone())
	}
	return out
}

// ImportState replaces the store contents with snapshot. Records that
// conflict with earlier records in the snapshot are dropped and reported.
func (s *Store) ImportState(snapshot Snapshot) error {
	state := newMemoryState()
	var errs []error
	for _, rec := range snapshot.Records {
		if err := state.apply(s.reg, rec); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return errors.Join(errs...)
}
