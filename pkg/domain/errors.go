package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrStoreUnavailable marks a local store failure. The resolver treats it as
	// "this tier answered nothing" and moves on.
	ErrStoreUnavailable = errors.New("local store unavailable")
	// ErrRemote marks any remote authority failure (transport, status, rate limit, timeout).
	ErrRemote = errors.New("remote authority error")
	// ErrIdentityConflict marks two records for one identity disagreeing on a non-empty field.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrInvalidKey marks malformed caller input rejected before any tier runs.
	ErrInvalidKey = errors.New("invalid key")
)

// StoreUnavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func StoreUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// ValidationError is returned for malformed keys or key types.
type ValidationError struct {
	Key    Key
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key.Type == "" && e.Key.Value == "" {
		return "invalid key: " + e.Reason
	}
	return fmt.Sprintf("invalid key %s: %s", e.Key, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidKey }

// RemoteError describes a failed remote authority call.
type RemoteError struct {
	Op          string
	Status      int
	RateLimited bool
	Timeout     bool
	Err         error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("remote ")
	b.WriteString(e.Op)
	switch {
	case e.RateLimited:
		b.WriteString(": rate limited")
	case e.Timeout:
		b.WriteString(": timeout")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// BatchError reports per-key failures of a batch call whose other keys may
// still have produced results.
type BatchError struct {
	Failed map[Key]error
}

func (e *BatchError) Error() string {
	keys := make([]Key, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	SortKeys(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("batch failed for %d key(s): %s", len(keys), strings.Join(parts, "; "))
}

// Unwrap exposes the per-key causes to errors.Is/As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// IdentityConflict records a disagreement between two partial records that
// were believed to describe the same entity. Both values are reported.
type IdentityConflict struct {
	Key      Key    `json:"key"`
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
}

func (c IdentityConflict) Error() string {
	return fmt.Sprintf("identity conflict on %s: %s is %q, incoming %q", c.Key, c.Field, c.Existing, c.Incoming)
}

func (c IdentityConflict) Is(target error) bool { return target == ErrIdentityConflict }

// ConflictError aggregates the conflicts found by a single merge.
type ConflictError struct {
	Conflicts []IdentityConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, c.Error())
	}
	return strings.Join(parts, "; ")
}

func (e *ConflictError) Is(target error) bool { return target == ErrIdentityConflict }

// WithKey returns a copy whose conflicts are attributed to k.
func (e *ConflictError) WithKey(k Key) *ConflictError {
	out := &ConflictError{Conflicts: make([]IdentityConflict, len(e.Conflicts))}
	for i, c := range e.Conflicts {
		c.Key = k
		out.Conflicts[i] = c
	}
	return out
}

// ConflictsOf extracts every identity conflict from err's tree, including
// errors combined with errors.Join.
func ConflictsOf(err error) []IdentityConflict {
	switch e := err.(type) {
	case nil:
		return nil
	case *ConflictError:
		return append([]IdentityConflict(nil), e.Conflicts...)
	case IdentityConflict:
		return []IdentityConflict{e}
	case interface{ Unwrap() []error }:
		var out []IdentityConflict
		for _, inner := range e.Unwrap() {
			out = append(out, ConflictsOf(inner)...)
		}
		return out
	default:
		return ConflictsOf(errors.Unwrap(err))
	}
}

// SortConflicts orders conflicts deterministically.
func SortConflicts(cs []IdentityConflict) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Key != b.Key {
			return a.Key.String() < b.Key.String()
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Existing != b.Existing {
			return a.Existing < b.Existing
		}
		return a.Incoming < b.Incoming
	})
}
