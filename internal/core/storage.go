package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"taxonmap/internal/blob"
	"taxonmap/internal/config"
	"taxonmap/internal/infra/persistence/memory"
	"taxonmap/internal/infra/persistence/postgres"
	"taxonmap/internal/infra/persistence/sqlite"
	"taxonmap/internal/infra/persistence/sqlstore"
	"taxonmap/internal/infra/remote/rest"
	"taxonmap/internal/snapshot"
	"taxonmap/pkg/domain"
)

// StorageDriver identifies a concrete local store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // process memory, lost on exit
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// LocalStore is a Tier 2 store that also accepts write-backs.
type LocalStore interface {
	domain.LocalStore
	domain.RecordWriter
}

// OpenLocalStore opens the store cfg selects. The returned close function
// releases it and is never nil.
func OpenLocalStore(ctx context.Context, cfg config.StorageConfig, reg *domain.Registry) (LocalStore, func() error, error) {
	noop := func() error { return nil }
	switch StorageDriver(cfg.Driver) {
	case StorageMemory:
		return memory.NewStore(reg), noop, nil
	case StorageSQLite, "":
		s, err := sqlite.Open(ctx, cfg.SQLitePath, sqlstore.WithRegistry(reg))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case StoragePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN, sqlstore.WithRegistry(reg))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// OpenRemote builds the remote authority client. It returns nil when no URL
// is configured, which disables Tier 3.
func OpenRemote(cfg config.RemoteConfig) (domain.RemoteAuthority, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	c, err := rest.New(rest.Config{
		BaseURL:   cfg.URL,
		APIKey:    cfg.APIKey,
		BatchSize: cfg.BatchSize,
		RateLimit: cfg.Rate,
		Burst:     cfg.Burst,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OpenSnapshots opens the snapshot store on the configured blob driver.
func OpenSnapshots(ctx context.Context, cfg config.SnapshotConfig) (*snapshot.Store, error) {
	blobs, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Driver),
		FSRoot: cfg.FSRoot,
		S3: blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return snapshot.New(blobs), nil
}

// NewRegistryFromConfig builds the key registry, making the listed key
// types case-insensitive.
func NewRegistryFromConfig(cfg config.Config) (*domain.Registry, error) {
	var folded []domain.KeyType
	for _, s := range cfg.CaseInsensitive {
		kt, err := domain.ParseKeyType(s)
		if err != nil {
			return nil, err
		}
		folded = append(folded, kt)
	}
	return domain.NewRegistry(domain.WithCaseInsensitive(folded...)), nil
}

// OpenResolver wires a resolver from cfg: registry, local store, remote
// client and, when enabled, Prometheus metrics on reg. extra options are
// applied last. Call the returned function to release the local store.
func OpenResolver(ctx context.Context, cfg config.Config, reg prometheus.Registerer, extra ...Option) (*Resolver, func() error, error) {
	keys, err := NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := OpenLocalStore(ctx, cfg.Storage, keys)
	if err != nil {
		return nil, nil, err
	}
	remote, err := OpenRemote(cfg.Remote)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	opts := []Option{
		WithRegistry(keys),
		WithLocalStore(store),
		WithWriteBack(cfg.Storage.WriteBack),
		WithRemoteTimeout(cfg.Remote.Timeout),
	}
	if remote != nil {
		opts = append(opts, WithRemoteAuthority(remote))
	}
	if cfg.Remote.Dedup {
		opts = append(opts, WithRemoteDedup())
	}
	if cfg.Remote.NegativeCacheSize > 0 {
		opts = append(opts, WithNegativeCache(cfg.Remote.NegativeCacheSize, cfg.Remote.NegativeCacheTTL))
	}
	if cfg.Metrics && reg != nil {
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			_ = closeStore()
			return nil, nil, err
		}
		opts = append(opts, WithMetrics(m))
	}
	return NewResolver(append(opts, extra...)...), closeStore, nil
}
