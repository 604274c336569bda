package domain

import (
	"strconv"
	"strings"
	"unicode"
)

// Registry holds the per-KeyType normalization rules. It is built once at
// startup and handed to every component that indexes keys, so that the cache,
// the payload and the stores agree on key identity.
type Registry struct {
	kinds map[KeyType]keyKind
}

type keyKind struct {
	normalize func(string) (string, string)
	fold      bool
}

// RegistryOption customizes a Registry.
type RegistryOption func(map[KeyType]keyKind)

// WithCaseInsensitive makes lookups for the given key types ignore case.
// Numeric ids are unaffected.
func WithCaseInsensitive(types ...KeyType) RegistryOption {
	return func(kinds map[KeyType]keyKind) {
		for _, kt := range types {
			if kind, ok := kinds[kt]; ok && kt != KeyNumericID {
				kind.fold = true
				kinds[kt] = kind
			}
		}
	}
}

// NewRegistry constructs a registry with the default rules: names and
// accessions are trimmed and case-sensitive, numeric ids must be positive
// 64-bit integers.
func NewRegistry(opts ...RegistryOption) *Registry {
	kinds := map[KeyType]keyKind{
		KeyNumericID: {normalize: normalizeNumeric},
		KeyName:      {normalize: normalizeName},
		KeyAccession: {normalize: normalizeAccession},
	}
	for _, opt := range opts {
		opt(kinds)
	}
	return &Registry{kinds: kinds}
}

// Validate returns the normalized form of k or a *ValidationError.
func (r *Registry) Validate(k Key) (Key, error) {
	kind, ok := r.kinds[k.Type]
	if !ok {
		return Key{}, &ValidationError{Key: k, Reason: "unknown key type"}
	}
	v, reason := kind.normalize(k.Value)
	if reason != "" {
		return Key{}, &ValidationError{Key: k, Reason: reason}
	}
	return Key{Type: k.Type, Value: v}, nil
}

// ValidateTypes rejects unknown key types and drops duplicates.
func (r *Registry) ValidateTypes(types []KeyType) ([]KeyType, error) {
	out := make([]KeyType, 0, len(types))
	seen := make(map[KeyType]struct{}, len(types))
	for _, kt := range types {
		if _, ok := r.kinds[kt]; !ok {
			return nil, &ValidationError{Reason: "unknown key type " + strconv.Quote(string(kt))}
		}
		if _, dup := seen[kt]; dup {
			continue
		}
		seen[kt] = struct{}{}
		out = append(out, kt)
	}
	return out, nil
}

// Canonical returns the index form of k. Keys that fail validation are
// returned unchanged so that data coming back from stores is never dropped.
func (r *Registry) Canonical(k Key) Key {
	kind, ok := r.kinds[k.Type]
	if !ok {
		return k
	}
	v, reason := kind.normalize(k.Value)
	if reason != "" {
		return k
	}
	if kind.fold {
		v = strings.ToLower(v)
	}
	return Key{Type: k.Type, Value: v}
}

// RecordKeys returns the canonical index keys of rec.
func (r *Registry) RecordKeys(rec Record) []Key {
	keys := rec.Keys()
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		c := r.Canonical(k)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func normalizeNumeric(v string) (string, string) {
	v = strings.TrimSpace(v)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return "", "numeric id must be an integer"
	}
	if id <= 0 {
		return "", "numeric id must be positive"
	}
	return strconv.FormatInt(id, 10), ""
}

func normalizeName(v string) (string, string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "name must not be empty"
	}
	return v, ""
}

func normalizeAccession(v string) (string, string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "accession must not be empty"
	}
	if strings.IndexFunc(v, unicode.IsSpace) >= 0 {
		return "", "accession must not contain whitespace"
	}
	return v, ""
}
