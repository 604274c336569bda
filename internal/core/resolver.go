// Package core hosts the Resolver: the three-tier lookup that answers
// identifier queries from the memory cache, then the local store, then the
// remote authority, merging partial answers along the way.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	slogcontext "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	memcache "taxonmap/internal/infra/cache/memory"
	"taxonmap/pkg/domain"
)

const tracerName = "taxonmap/internal/core"

// Resolver is safe for concurrent use. The memory cache is the only state
// shared between calls.
type Resolver struct {
	reg   *domain.Registry
	cache *memcache.Cache

	local     domain.LocalStore
	writer    domain.RecordWriter
	writeBack bool

	authority     domain.RemoteAuthority
	remote        map[domain.KeyType]remoteCall
	remoteTimeout time.Duration
	inflight      *singleflight.Group

	negSize  int
	negTTL   time.Duration
	negative *expirable.LRU[domain.Key, struct{}]

	metrics MetricsRecorder
	tp      trace.TracerProvider
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithRegistry sets the key registry shared by the resolver and its cache.
func WithRegistry(reg *domain.Registry) Option {
	return func(r *Resolver) {
		if reg != nil {
			r.reg = reg
		}
	}
}

// WithLocalStore configures Tier 2.
func WithLocalStore(store domain.LocalStore) Option {
	return func(r *Resolver) { r.local = store }
}

// WithRemoteAuthority configures Tier 3.
func WithRemoteAuthority(auth domain.RemoteAuthority) Option {
	return func(r *Resolver) { r.authority = auth }
}

// WithRemoteTimeout bounds every Tier 3 round; zero means no bound.
func WithRemoteTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.remoteTimeout = d }
}

// WithRemoteDedup makes identical concurrent per-type remote batches share
// one call.
func WithRemoteDedup() Option {
	return func(r *Resolver) { r.inflight = &singleflight.Group{} }
}

// WithNegativeCache remembers keys the remote authority reported unknown for
// ttl, skipping them in Tier 3. size bounds the number of remembered keys.
func WithNegativeCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.negSize = size
		r.negTTL = ttl
	}
}

// WithWriteBack toggles writing remote discoveries to the local store when
// it implements domain.RecordWriter. Enabled by default.
func WithWriteBack(enabled bool) Option {
	return func(r *Resolver) { r.writeBack = enabled }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) { r.tp = tp }
}

// WithLogger sets the logger. By default the logger carried by the call
// context is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver builds a resolver. Without a local store or remote authority
// the corresponding tier is skipped.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		reg:       domain.NewRegistry(),
		writeBack: true,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = memcache.New(r.reg)
	r.remote = bindRemote(r.authority)
	if w, ok := r.local.(domain.RecordWriter); ok && r.writeBack {
		r.writer = w
	}
	if r.negSize > 0 {
		r.negative = expirable.NewLRU[domain.Key, struct{}](r.negSize, nil, r.negTTL)
	}
	if r.tp == nil {
		r.tp = otel.GetTracerProvider()
	}
	r.tracer = r.tp.Tracer(tracerName)
	return r
}

// Registry returns the key registry.
func (r *Resolver) Registry() *domain.Registry { return r.reg }

// Cache exposes the memory cache.
func (r *Resolver) Cache() *memcache.Cache { return r.cache }

// Resolve answers keys, trying each tier in order for the keys still
// pending. A key is settled once its merged record carries every type in
// want. Only malformed keys or key types fail the call; every other problem
// is reported per key in the result.
func (r *Resolver) Resolve(ctx context.Context, keys []domain.Key, want []domain.KeyType) (ResolveResult, error) {
	want, err := r.reg.ValidateTypes(want)
	if err != nil {
		return ResolveResult{}, err
	}
	p := newPayload(r.reg, want)
	for _, k := range keys {
		v, err := r.reg.Validate(k)
		if err != nil {
			return ResolveResult{}, err
		}
		p.add(k, v)
	}
	if len(keys) == 0 {
		return newResolveResult(), nil
	}

	start := time.Now()
	ctx = slogcontext.NewCtx(ctx, r.baseLogger(ctx))
	log := r.log(ctx)
	ctx, span := r.tracer.Start(ctx, "taxonmap.Resolve", trace.WithAttributes(
		attribute.Int("taxonmap.keys", len(keys)),
	))
	defer span.End()

	r.cacheTier(ctx, p)
	if p.hasPending() && r.local != nil {
		r.localTier(ctx, p)
	}
	if p.hasPending() && r.remote != nil {
		r.remoteTier(ctx, p)
	}

	res := p.result()
	span.SetAttributes(
		attribute.Int("taxonmap.resolved", len(res.Resolved)),
		attribute.Int("taxonmap.failed", len(res.Failed)),
		attribute.Int("taxonmap.conflicts", len(res.Conflicts)),
	)
	r.metrics.ObserveResolve(ctx, len(keys), time.Since(start))
	if n := len(res.Failed); n > 0 {
		r.metrics.AddFailed(ctx, n)
	}
	if n := len(res.Conflicts); n > 0 {
		r.metrics.AddConflicts(ctx, n)
		log.Warn("identity conflicts", slog.Int("count", n), slog.Any("conflicts", res.Conflicts))
	}
	log.Debug("resolved",
		slog.Int("keys", len(keys)),
		slog.Int("resolved", len(res.Resolved)),
		slog.Int("failed", len(res.Failed)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (r *Resolver) cacheTier(ctx context.Context, p *payload) {
	pending := p.pendingKeys()
	_, span := r.startTier(ctx, TierCache, len(pending))
	defer span.End()

	for _, c := range pending {
		rec, ok := r.cache.Get(c)
		if !ok {
			continue
		}
		if rec.Origin == "" {
			rec.Origin = domain.OriginCache
		}
		_, _ = p.absorb(c, rec)
	}
	hits := p.settle(StateCacheHit)
	span.SetAttributes(attribute.Int("taxonmap.hits", hits))
	r.metrics.ObserveTier(ctx, TierCache, hits, len(pending)-hits)
}

func (r *Resolver) localTier(ctx context.Context, p *payload) {
	pending := p.pendingKeys()
	ctx, span := r.startTier(ctx, TierLocal, len(pending))
	defer span.End()

	recs, err := r.local.LookupBatch(ctx, p.displayKeys(pending), p.want)
	if err != nil {
		r.log(ctx).Warn("local store lookup failed", slog.Int("keys", len(pending)), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "local lookup failed")
		for _, c := range pending {
			p.fail(c, domain.StoreUnavailable(err))
		}
	}
	r.absorbAll(p, pending, recs, domain.OriginLocal)
	hits := p.settle(StateLocalHit)
	span.SetAttributes(attribute.Int("taxonmap.hits", hits))
	r.metrics.ObserveTier(ctx, TierLocal, hits, len(pending)-hits)
}

func (r *Resolver) remoteTier(ctx context.Context, p *payload) {
	pending := p.pendingKeys()
	ctx, span := r.startTier(ctx, TierRemote, len(pending))
	defer span.End()
	log := r.log(ctx)

	byType := make(map[domain.KeyType][]domain.Key)
	skipped := 0
	for _, c := range pending {
		if r.negative != nil && r.negative.Contains(c) {
			skipped++
			continue
		}
		byType[c.Type] = append(byType[c.Type], p.display[c])
	}
	if skipped > 0 {
		r.metrics.AddNegativeHits(ctx, skipped)
	}
	var groups []remoteGroup
	for _, kt := range domain.KeyTypes {
		if len(byType[kt]) > 0 {
			groups = append(groups, remoteGroup{kt: kt, keys: byType[kt]})
		}
	}
	if len(groups) == 0 {
		r.metrics.ObserveTier(ctx, TierRemote, 0, len(pending))
		return
	}

	var absorbed []domain.Key
	for _, grp := range r.callRemote(ctx, groups, p.want) {
		canon := make([]domain.Key, len(grp.keys))
		for i, k := range grp.keys {
			canon[i] = r.reg.Canonical(k)
		}
		errs := keyErrors(grp.keys, grp.err)
		if grp.err != nil {
			log.Warn("remote lookup failed",
				slog.String("key_type", string(grp.kt)),
				slog.Int("keys", len(grp.keys)),
				slog.Int("failed", len(errs)),
				slog.Any("error", grp.err),
			)
			span.RecordError(grp.err)
			span.SetStatus(codes.Error, "remote lookup failed")
		}
		for i, k := range grp.keys {
			if e, ok := errs[k]; ok {
				p.fail(canon[i], e)
				continue
			}
			if _, found := grp.records[k]; !found && r.negative != nil {
				r.negative.Add(canon[i], struct{}{})
			}
		}
		absorbed = append(absorbed, r.absorbAll(p, canon, grp.records, domain.OriginRemote)...)
	}
	hits := p.settle(StateRemoteHit)
	span.SetAttributes(attribute.Int("taxonmap.hits", hits))
	r.metrics.ObserveTier(ctx, TierRemote, hits, len(pending)-hits)
	r.writeBackRecords(ctx, p, absorbed)
}

// absorbAll merges a tier's answers for the canonical keys canon into the
// payload and the cache, returning the keys that absorbed a record.
func (r *Resolver) absorbAll(p *payload, canon []domain.Key, recs map[domain.Key]domain.Record, origin domain.Origin) []domain.Key {
	if len(recs) == 0 {
		return nil
	}
	var absorbed []domain.Key
	for _, c := range canon {
		rec, ok := recs[p.display[c]]
		if !ok {
			continue
		}
		rec.Origin = origin
		merged, err := p.absorb(c, rec)
		if err != nil {
			continue
		}
		absorbed = append(absorbed, c)
		if err := r.cache.Put(p.display[c], merged); err != nil {
			p.addConflicts(domain.ConflictsOf(err)...)
		}
	}
	return absorbed
}

func (r *Resolver) writeBackRecords(ctx context.Context, p *payload, keys []domain.Key) {
	if r.writer == nil || len(keys) == 0 {
		return
	}
	seen := make(map[*slot]struct{}, len(keys))
	var records []domain.Record
	for _, c := range keys {
		s, ok := p.slots[c]
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		records = append(records, s.rec.Clone())
	}
	if err := r.writer.WriteBack(ctx, records); err != nil {
		r.log(ctx).Warn("local write-back failed", slog.Int("records", len(records)), slog.Any("error", err))
		r.metrics.WriteBackFailed(ctx)
		p.addConflicts(domain.ConflictsOf(err)...)
	}
}

// WarmCache preloads records into the memory cache, typically from a
// snapshot at startup. Records conflicting with cached data are skipped and
// their conflicts returned.
func (r *Resolver) WarmCache(ctx context.Context, records []domain.Record) []domain.IdentityConflict {
	var conflicts []domain.IdentityConflict
	for _, rec := range records {
		if rec.Origin == "" {
			rec.Origin = domain.OriginCache
		}
		if err := r.cache.Put(domain.Key{}, rec); err != nil {
			conflicts = append(conflicts, domain.ConflictsOf(err)...)
		}
	}
	domain.SortConflicts(conflicts)
	r.log(ctx).Info("cache warmed",
		slog.Int("records", len(records)),
		slog.Int("cached", r.cache.Len()),
		slog.Int("conflicts", len(conflicts)),
	)
	return conflicts
}

// ClearCache drops every cached record and forgets remote misses.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
	if r.negative != nil {
		r.negative.Purge()
	}
}

func (r *Resolver) startTier(ctx context.Context, tier Tier, pending int) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "taxonmap.tier."+string(tier), trace.WithAttributes(
		attribute.String("taxonmap.tier", string(tier)),
		attribute.Int("taxonmap.pending", pending),
	))
}

func (r *Resolver) baseLogger(ctx context.Context) *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slogcontext.FromCtx(ctx)
}

func (r *Resolver) log(ctx context.Context) *slog.Logger {
	return r.baseLogger(ctx).With(slog.String("realm", "resolver"))
}
