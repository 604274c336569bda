package domain

import (
	"sort"
	"strconv"
)

// Origin names the tier that produced the most recent merge into a record.
// It is diagnostic only and ignored by Equal.
type Origin string

// Record origins.
const (
	OriginCache  Origin = "cache"
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Record is the canonical resolved entity. ID is zero until resolved; valid
// ids are positive. Names is a sorted set.
type Record struct {
	ID         int64             `json:"id,omitempty"`
	Names      []string          `json:"names,omitempty"`
	Accessions map[string]string `json:"accessions,omitempty"`
	Origin     Origin            `json:"origin,omitempty"`
}

// Resolved reports whether the record carries an id.
func (r Record) Resolved() bool { return r.ID > 0 }

// Empty reports whether the record carries no identifier at all.
func (r Record) Empty() bool {
	return r.ID <= 0 && len(r.Names) == 0 && len(r.Accessions) == 0
}

// Keys returns every key under which the record is reachable, in canonical order.
func (r Record) Keys() []Key {
	keys := make([]Key, 0, 1+len(r.Names)+len(r.Accessions))
	if r.ID > 0 {
		keys = append(keys, NumericID(r.ID))
	}
	for _, n := range r.Names {
		keys = append(keys, Name(n))
	}
	seen := make(map[string]struct{}, len(r.Accessions))
	for _, acc := range r.Accessions {
		if _, ok := seen[acc]; ok {
			continue
		}
		seen[acc] = struct{}{}
		keys = append(keys, Accession(acc))
	}
	SortKeys(keys)
	return keys
}

// Has reports whether the record itself carries k.
func (r Record) Has(k Key) bool {
	switch k.Type {
	case KeyNumericID:
		return r.ID > 0 && strconv.FormatInt(r.ID, 10) == k.Value
	case KeyName:
		i := sort.SearchStrings(r.Names, k.Value)
		return i < len(r.Names) && r.Names[i] == k.Value
	case KeyAccession:
		for _, acc := range r.Accessions {
			if acc == k.Value {
				return true
			}
		}
	}
	return false
}

// Satisfies reports whether the record carries at least one value of every
// wanted key type. An empty want set is satisfied by any non-empty record.
func (r Record) Satisfies(want []KeyType) bool {
	if r.Empty() {
		return false
	}
	for _, kt := range want {
		switch kt {
		case KeyNumericID:
			if r.ID <= 0 {
				return false
			}
		case KeyName:
			if len(r.Names) == 0 {
				return false
			}
		case KeyAccession:
			if len(r.Accessions) == 0 {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	cp := r
	cp.Names = append([]string(nil), r.Names...)
	if r.Accessions != nil {
		cp.Accessions = make(map[string]string, len(r.Accessions))
		for src, acc := range r.Accessions {
			cp.Accessions[src] = acc
		}
	}
	return cp
}

// Normalized returns a clone with Names sorted and de-duplicated and empty
// names or accessions dropped.
func (r Record) Normalized() Record {
	cp := r.Clone()
	cp.Names = normalizeNames(cp.Names)
	for src, acc := range cp.Accessions {
		if acc == "" {
			delete(cp.Accessions, src)
		}
	}
	if len(cp.Accessions) == 0 {
		cp.Accessions = nil
	}
	if cp.ID < 0 {
		cp.ID = 0
	}
	return cp
}

// Equal compares identity content, ignoring Origin.
func (r Record) Equal(o Record) bool {
	a, b := r.Normalized(), o.Normalized()
	if a.ID != b.ID || len(a.Names) != len(b.Names) || len(a.Accessions) != len(b.Accessions) {
		return false
	}
	for i := range a.Names {
		if a.Names[i] != b.Names[i] {
			return false
		}
	}
	for src, acc := range a.Accessions {
		if b.Accessions[src] != acc {
			return false
		}
	}
	return true
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
