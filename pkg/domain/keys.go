// Package domain defines the identifier keys, resolved records, merge rule and
// collaborator contracts shared by every taxonmap tier.
package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// KeyType identifies the kind of identifier a Key carries.
type KeyType string

// Supported identifier kinds.
const (
	// KeyNumericID identifies a numeric taxon id (e.g. 562).
	KeyNumericID KeyType = "numeric_id"
	// KeyName identifies a scientific or common name (e.g. "E. coli").
	KeyName KeyType = "name"
	// KeyAccession identifies an external database accession (e.g. "NC_000913").
	KeyAccession KeyType = "accession"
)

// KeyTypes lists every supported identifier kind in canonical order.
var KeyTypes = []KeyType{KeyNumericID, KeyName, KeyAccession}

var keyTypeAliases = map[string]KeyType{
	"numeric_id": KeyNumericID,
	"id":         KeyNumericID,
	"taxid":      KeyNumericID,
	"name":       KeyName,
	"accession":  KeyAccession,
	"acc":        KeyAccession,
}

// ParseKeyType maps a textual kind (or one of its aliases) to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	kt, ok := keyTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown key type %q", s)}
	}
	return kt, nil
}

// Valid reports whether kt is one of the supported kinds.
func (kt KeyType) Valid() bool {
	switch kt {
	case KeyNumericID, KeyName, KeyAccession:
		return true
	default:
		return false
	}
}

// Key is a tagged identifier value. Numeric ids are carried as their decimal
// string so that every Key is comparable and usable as a map key.
type Key struct {
	Type  KeyType
	Value string
}

// NumericID builds a numeric id key.
func NumericID(id int64) Key {
	return Key{Type: KeyNumericID, Value: strconv.FormatInt(id, 10)}
}

// Name builds a name key.
func Name(name string) Key { return Key{Type: KeyName, Value: name} }

// Accession builds an accession key.
func Accession(acc string) Key { return Key{Type: KeyAccession, Value: acc} }

// ParseKey parses the "type:value" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, &ValidationError{Reason: fmt.Sprintf("key %q must have the form type:value", s)}
	}
	kt, err := ParseKeyType(kind)
	if err != nil {
		return Key{}, err
	}
	return Key{Type: kt, Value: value}, nil
}

// Int returns the numeric payload of a numeric id key.
func (k Key) Int() (int64, bool) {
	if k.Type != KeyNumericID {
		return 0, false
	}
	id, err := strconv.ParseInt(k.Value, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (k Key) String() string {
	return string(k.Type) + ":" + k.Value
}

// MarshalText implements encoding.TextMarshaler so keys can index JSON maps.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SortKeys orders keys by type then value, in place.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keyTypeRank(keys[i].Type) < keyTypeRank(keys[j].Type)
		}
		return keys[i].Value < keys[j].Value
	})
}

func keyTypeRank(kt KeyType) int {
	for i, t := range KeyTypes {
		if t == kt {
			return i
		}
	}
	return len(KeyTypes)
}
