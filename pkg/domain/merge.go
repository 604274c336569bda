package domain

import (
	"sort"
	"strconv"
)

// Merge combines an existing record a with an incoming partial record b for
// the same identity. Merges are append-only: a's id and accessions are never
// replaced and names are unioned. When the records disagree on the id or on
// the accession of a source database, Merge returns a unchanged together with
// a *ConflictError reporting every disagreement.
func Merge(a, b Record) (Record, error) {
	a = a.Normalized()
	b = b.Normalized()

	var conflicts []IdentityConflict
	subject := identityKey(a, b)
	if a.ID > 0 && b.ID > 0 && a.ID != b.ID {
		conflicts = append(conflicts, IdentityConflict{
			Key:      subject,
			Field:    "id",
			Existing: strconv.FormatInt(a.ID, 10),
			Incoming: strconv.FormatInt(b.ID, 10),
		})
	}
	sources := make([]string, 0, len(b.Accessions))
	for src := range b.Accessions {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		if have, ok := a.Accessions[src]; ok && have != b.Accessions[src] {
			conflicts = append(conflicts, IdentityConflict{
				Key:      subject,
				Field:    "accession:" + src,
				Existing: have,
				Incoming: b.Accessions[src],
			})
		}
	}
	if len(conflicts) > 0 {
		return a, &ConflictError{Conflicts: conflicts}
	}

	out := a
	if out.ID <= 0 {
		out.ID = b.ID
	}
	out.Names = normalizeNames(append(append([]string(nil), a.Names...), b.Names...))
	for _, src := range sources {
		if out.Accessions == nil {
			out.Accessions = make(map[string]string, len(b.Accessions))
		}
		if _, ok := out.Accessions[src]; !ok {
			out.Accessions[src] = b.Accessions[src]
		}
	}
	if b.Origin != "" {
		out.Origin = b.Origin
	}
	return out, nil
}

// identityKey picks the most specific key shared by, or at least carried by,
// the two records; used to attribute conflicts when the caller has no better key.
func identityKey(a, b Record) Key {
	for _, k := range b.Keys() {
		if a.Has(k) {
			return k
		}
	}
	if ks := a.Keys(); len(ks) > 0 {
		return ks[0]
	}
	if ks := b.Keys(); len(ks) > 0 {
		return ks[0]
	}
	return Key{}
}
