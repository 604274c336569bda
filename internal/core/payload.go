package core

import (
	"errors"

	"taxonmap/pkg/domain"
)

// slot holds the record merged so far for one identity. Slots are replaced,
// never mutated, when another record links into them.
type slot struct {
	rec  domain.Record
	keys []domain.Key
}

// payload is the per-call state of one Resolve. It is confined to the calling
// goroutine and discarded when the call returns.
type payload struct {
	reg  *domain.Registry
	want []domain.KeyType

	order     []domain.Key                // canonical requested keys, first-seen order
	display   map[domain.Key]domain.Key   // canonical -> validated caller form
	raw       map[domain.Key][]domain.Key // canonical -> keys as passed
	pending   map[domain.Key]struct{}
	states    map[domain.Key]KeyState
	slots     map[domain.Key]*slot
	conflicts map[domain.IdentityConflict]struct{}
	errs      map[domain.Key]error
}

func newPayload(reg *domain.Registry, want []domain.KeyType) *payload {
	return &payload{
		reg:       reg,
		want:      want,
		display:   make(map[domain.Key]domain.Key),
		raw:       make(map[domain.Key][]domain.Key),
		pending:   make(map[domain.Key]struct{}),
		states:    make(map[domain.Key]KeyState),
		slots:     make(map[domain.Key]*slot),
		conflicts: make(map[domain.IdentityConflict]struct{}),
		errs:      make(map[domain.Key]error),
	}
}

// add registers a requested key. raw is the key as passed, validated its
// normalized form.
func (p *payload) add(raw, validated domain.Key) {
	c := p.reg.Canonical(validated)
	if _, ok := p.display[c]; !ok {
		p.display[c] = validated
		p.order = append(p.order, c)
		p.pending[c] = struct{}{}
		p.states[c] = StatePending
	}
	for _, k := range p.raw[c] {
		if k == raw {
			return
		}
	}
	p.raw[c] = append(p.raw[c], raw)
}

// pendingKeys returns the canonical pending keys in request order.
func (p *payload) pendingKeys() []domain.Key {
	out := make([]domain.Key, 0, len(p.pending))
	for _, c := range p.order {
		if _, ok := p.pending[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (p *payload) hasPending() bool { return len(p.pending) > 0 }

// displayKeys maps canonical keys to the form sent to collaborators.
func (p *payload) displayKeys(canon []domain.Key) []domain.Key {
	out := make([]domain.Key, len(canon))
	for i, c := range canon {
		out[i] = p.display[c]
	}
	return out
}

// absorb merges rec into the slot reachable from c or from any key rec
// carries, coalescing slots that rec links together. On conflict the payload
// is left unchanged, the conflicts are recorded and returned.
func (p *payload) absorb(c domain.Key, rec domain.Record) (domain.Record, error) {
	lookup := append([]domain.Key{c}, p.reg.RecordKeys(rec)...)
	var existing []*slot
	seen := make(map[*slot]struct{})
	for _, k := range lookup {
		s, ok := p.slots[k]
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		existing = append(existing, s)
	}

	merged := rec.Normalized()
	if len(existing) > 0 {
		merged = existing[0].rec
		for _, s := range existing[1:] {
			m, err := domain.Merge(merged, s.rec)
			if err != nil {
				return existing[0].rec, p.conflict(c, err)
			}
			merged = m
		}
		m, err := domain.Merge(merged, rec)
		if err != nil {
			return existing[0].rec, p.conflict(c, err)
		}
		merged = m
	}

	next := &slot{rec: merged}
	keySet := make(map[domain.Key]struct{})
	add := func(k domain.Key) {
		if _, ok := keySet[k]; ok {
			return
		}
		keySet[k] = struct{}{}
		next.keys = append(next.keys, k)
	}
	for _, s := range existing {
		for _, k := range s.keys {
			add(k)
		}
	}
	for _, k := range lookup {
		add(k)
	}
	for _, k := range p.reg.RecordKeys(merged) {
		add(k)
	}
	for _, k := range next.keys {
		p.slots[k] = next
	}
	return merged, nil
}

// conflict records the identity conflicts carried by err, attributed to the
// caller's form of c, and returns err so attributed.
func (p *payload) conflict(c domain.Key, err error) error {
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		key := c
		if d, ok := p.display[c]; ok {
			key = d
		}
		ce = ce.WithKey(key)
		err = ce
	}
	p.addConflicts(domain.ConflictsOf(err)...)
	return err
}

func (p *payload) addConflicts(cs ...domain.IdentityConflict) {
	for _, c := range cs {
		p.conflicts[c] = struct{}{}
	}
}

// settle moves every pending key whose merged record now satisfies want to
// state. It returns how many keys left pending.
func (p *payload) settle(state KeyState) int {
	n := 0
	for _, c := range p.order {
		if _, ok := p.pending[c]; !ok {
			continue
		}
		s, ok := p.slots[c]
		if !ok || !s.rec.Satisfies(p.want) {
			continue
		}
		delete(p.pending, c)
		p.states[c] = state
		n++
	}
	return n
}

// fail records err for a pending key; the last error wins.
func (p *payload) fail(c domain.Key, err error) {
	if err == nil {
		return
	}
	p.errs[c] = err
}

// record returns the merged record for c.
func (p *payload) record(c domain.Key) (domain.Record, bool) {
	s, ok := p.slots[c]
	if !ok {
		return domain.Record{}, false
	}
	return s.rec, true
}

// result finalizes the call: remaining pending keys become unresolved.
func (p *payload) result() ResolveResult {
	out := newResolveResult()
	for _, c := range p.order {
		state := p.states[c]
		if state == StatePending {
			state = StateUnresolved
		}
		rec, hasRec := p.record(c)
		for _, raw := range p.raw[c] {
			out.States[raw] = state
			if state != StateUnresolved {
				out.Resolved[raw] = rec.Clone()
				continue
			}
			out.Failed = append(out.Failed, raw)
			if hasRec && !rec.Empty() {
				out.Partial[raw] = rec.Clone()
			}
			if err, ok := p.errs[c]; ok {
				out.Errors[raw] = err
			}
		}
	}
	domain.SortKeys(out.Failed)
	for c := range p.conflicts {
		out.Conflicts = append(out.Conflicts, c)
	}
	domain.SortConflicts(out.Conflicts)
	return out
}
