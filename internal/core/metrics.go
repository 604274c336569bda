package core

import (
	"context"
	"time"

	"taxonmap/pkg/domain"
)

// MetricsRecorder receives resolver measurements. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	// ObserveResolve records one Resolve call over keys requested keys.
	ObserveResolve(ctx context.Context, keys int, duration time.Duration)
	// ObserveTier records how many pending keys a tier settled and how many it left pending.
	ObserveTier(ctx context.Context, tier Tier, hits, misses int)
	// ObserveRemoteCall records one per-type batch call to the remote authority.
	ObserveRemoteCall(ctx context.Context, kt domain.KeyType, keys int, err error, duration time.Duration)
	// AddFailed counts keys reported as failed.
	AddFailed(ctx context.Context, n int)
	// AddConflicts counts identity conflicts surfaced to callers.
	AddConflicts(ctx context.Context, n int)
	// AddNegativeHits counts keys skipped because the remote recently did not know them.
	AddNegativeHits(ctx context.Context, n int)
	// WriteBackFailed counts failed local write-backs.
	WriteBackFailed(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) ObserveResolve(context.Context, int, time.Duration) {}
func (noopMetrics) ObserveTier(context.Context, Tier, int, int)        {}
func (noopMetrics) ObserveRemoteCall(context.Context, domain.KeyType, int, error, time.Duration) {
}
func (noopMetrics) AddFailed(context.Context, int)       {}
func (noopMetrics) AddConflicts(context.Context, int)    {}
func (noopMetrics) AddNegativeHits(context.Context, int) {}
func (noopMetrics) WriteBackFailed(context.Context)      {}
