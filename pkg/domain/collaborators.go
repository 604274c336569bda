package domain

import "context"

// LocalStore is the durable backing store consulted after the memory cache.
// LookupBatch must accept an empty key list (returning an empty map) and may
// omit keys it does not know. Failures should wrap ErrStoreUnavailable.
type LocalStore interface {
	LookupBatch(ctx context.Context, keys []Key, want []KeyType) (map[Key]Record, error)
}

// RecordWriter is implemented by local stores that accept mappings
// discovered by slower tiers.
type RecordWriter interface {
	WriteBack(ctx context.Context, records []Record) error
}

// RemoteAuthority is the network-backed source of truth. A call may return a
// partial result together with a *BatchError naming the keys that failed.
type RemoteAuthority interface {
	LookupBatch(ctx context.Context, keys []Key, want []KeyType) (map[Key]Record, error)
}

// IDAuthority is implemented by authorities with a dedicated numeric id query path.
type IDAuthority interface {
	LookupByID(ctx context.Context, keys []Key, want []KeyType) (map[Key]Record, error)
}

// NameAuthority is implemented by authorities with a dedicated name query path.
type NameAuthority interface {
	LookupByName(ctx context.Context, keys []Key, want []KeyType) (map[Key]Record, error)
}

// AccessionAuthority is implemented by authorities with a dedicated accession query path.
type AccessionAuthority interface {
	LookupByAccession(ctx context.Context, keys []Key, want []KeyType) (map[Key]Record, error)
}
