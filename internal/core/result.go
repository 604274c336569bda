package core

import (
	"taxonmap/pkg/domain"
)

// KeyState is the resolution state of one requested key. States only move
// forward: pending to exactly one terminal state.
type KeyState string

// Key states.
const (
	StatePending    KeyState = "pending"
	StateCacheHit   KeyState = "cache_hit"
	StateLocalHit   KeyState = "local_hit"
	StateRemoteHit  KeyState = "remote_hit"
	StateUnresolved KeyState = "unresolved"
)

// Tier names a lookup stage.
type Tier string

// Lookup tiers in the order they are consulted.
const (
	TierCache  Tier = "cache"
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

// ResolveResult is the outcome of one Resolve call. Every map is keyed by
// the keys exactly as the caller passed them, so a caller can look up by
// whichever key it used; several keys of one identity map to equal records.
type ResolveResult struct {
	Resolved map[domain.Key]domain.Record `json:"resolved"`
	// Failed lists keys no tier could resolve, sorted.
	Failed []domain.Key `json:"failed"`
	// Partial holds whatever was learned about failed keys.
	Partial   map[domain.Key]domain.Record `json:"partial,omitempty"`
	Conflicts []domain.IdentityConflict    `json:"conflicts,omitempty"`
	States    map[domain.Key]KeyState      `json:"states"`
	// Errors explains failed keys whose tiers reported an error.
	Errors map[domain.Key]error `json:"-"`
}

func newResolveResult() ResolveResult {
	return ResolveResult{
		Resolved: make(map[domain.Key]domain.Record),
		Failed:   []domain.Key{},
		Partial:  make(map[domain.Key]domain.Record),
		States:   make(map[domain.Key]KeyState),
		Errors:   make(map[domain.Key]error),
	}
}

// ErrorMessages renders Errors for display or JSON encoding.
func (r ResolveResult) ErrorMessages() map[domain.Key]string {
	out := make(map[domain.Key]string, len(r.Errors))
	for k, err := range r.Errors {
		out[k] = err.Error()
	}
	return out
}
