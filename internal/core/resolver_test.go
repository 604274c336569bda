package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taxonmap/pkg/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[domain.Key]domain.Record
	err     error
	calls   [][]domain.Key
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[domain.Key]domain.Record)}
}

func (s *fakeStore) LookupBatch(_ context.Context, keys []domain.Key, _ []domain.KeyType) (map[domain.Key]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]domain.Key(nil), keys...))
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[domain.Key]domain.Record)
	for _, k := range keys {
		if rec, ok := s.records[k]; ok {
			out[k] = rec.Clone()
		}
	}
	return out, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeStore) queried(k domain.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range s.calls {
		if slices.Contains(call, k) {
			return true
		}
	}
	return false
}

type writableStore struct {
	*fakeStore
	writeErr error
	written  []domain.Record
}

func (s *writableStore) WriteBack(_ context.Context, records []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, records...)
	return s.writeErr
}

type fakeRemote struct {
	mu      sync.Mutex
	records map[domain.Key]domain.Record
	failing map[domain.Key]error
	calls   [][]domain.Key
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[domain.Key]domain.Record),
		failing: make(map[domain.Key]error),
	}
}

func (f *fakeRemote) LookupBatch(_ context.Context, keys []domain.Key, _ []domain.KeyType) (map[domain.Key]domain.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]domain.Key(nil), keys...))
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.Key]domain.Record)
	failed := make(map[domain.Key]error)
	for _, k := range keys {
		if err, ok := f.failing[k]; ok {
			failed[k] = err
			continue
		}
		if rec, ok := f.records[k]; ok {
			out[k] = rec.Clone()
		}
	}
	if len(failed) > 0 {
		return out, &domain.BatchError{Failed: failed}
	}
	return out, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type nameRemote struct {
	*fakeRemote
	byName int
}

func (n *nameRemote) LookupByName(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	n.mu.Lock()
	n.byName++
	n.mu.Unlock()
	return n.fakeRemote.LookupBatch(ctx, keys, want)
}

var (
	ecoli     = domain.Name("E. coli")
	salmonell = domain.Name("Salmonella enterica")
	wantID    = []domain.KeyType{domain.KeyNumericID}
)

func TestResolveEmptyInputCallsNothing(t *testing.T) {
	store, remote := newFakeStore(), newFakeRemote()
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), nil, []domain.KeyType{domain.KeyNumericID, domain.KeyAccession})
	require.NoError(t, err)
	require.Empty(t, res.Resolved)
	require.Empty(t, res.Failed)
	require.NotNil(t, res.Failed)
	require.Zero(t, store.callCount())
	require.Zero(t, remote.callCount())
}

func TestResolveIsIdempotent(t *testing.T) {
	store, remote := newFakeStore(), newFakeRemote()
	remote.records[ecoli] = domain.Record{
		ID:         562,
		Names:      []string{"E. coli", "Escherichia coli"},
		Accessions: map[string]string{"refseq": "NC_000913"},
	}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))
	ctx := context.Background()

	first, err := r.Resolve(ctx, []domain.Key{ecoli}, wantID)
	require.NoError(t, err)
	require.Equal(t, StateRemoteHit, first.States[ecoli])
	require.Equal(t, 1, store.callCount())
	require.Equal(t, 1, remote.callCount())

	second, err := r.Resolve(ctx, []domain.Key{ecoli}, wantID)
	require.NoError(t, err)
	require.Equal(t, first.Resolved, second.Resolved)
	require.Equal(t, StateCacheHit, second.States[ecoli])
	require.Equal(t, 1, store.callCount(), "second call must not reach the local store")
	require.Equal(t, 1, remote.callCount(), "second call must not reach the remote authority")
}

func TestResolveTierPrecedence(t *testing.T) {
	store := newFakeStore()
	store.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}, Accessions: map[string]string{"refseq": "NC_000913"}}
	store.records[salmonell] = domain.Record{ID: 28901, Names: []string{"Salmonella enterica"}}
	r := NewResolver(WithLocalStore(store))
	ctx := context.Background()

	conflicts := r.WarmCache(ctx, []domain.Record{{ID: 562, Names: []string{"E. coli"}}})
	require.Empty(t, conflicts)

	res, err := r.Resolve(ctx, []domain.Key{ecoli, salmonell}, wantID)
	require.NoError(t, err)
	require.False(t, store.queried(ecoli), "local store queried for a cached key")
	require.True(t, store.queried(salmonell))

	require.Equal(t, domain.Record{ID: 562, Names: []string{"E. coli"}, Origin: domain.OriginCache}, res.Resolved[ecoli])
	require.Equal(t, StateCacheHit, res.States[ecoli])
	require.Equal(t, int64(28901), res.Resolved[salmonell].ID)
	require.Equal(t, domain.OriginLocal, res.Resolved[salmonell].Origin)
	require.Equal(t, StateLocalHit, res.States[salmonell])
}

func TestResolvePartialFailureIsolation(t *testing.T) {
	x, y := domain.Name("Broken"), domain.Name("Bacillus subtilis")
	boom := &domain.RemoteError{Op: "name", Status: 500}
	remote := newFakeRemote()
	remote.failing[x] = boom
	remote.records[y] = domain.Record{ID: 1423, Names: []string{"Bacillus subtilis"}}
	r := NewResolver(WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), []domain.Key{x, y}, wantID)
	require.NoError(t, err)
	require.Equal(t, 1, remote.callCount(), "keys of one type share a batch")
	require.Contains(t, res.Resolved, y)
	require.NotContains(t, res.Resolved, x)
	require.Equal(t, []domain.Key{x}, res.Failed)
	require.Equal(t, StateUnresolved, res.States[x])
	require.ErrorIs(t, res.Errors[x], domain.ErrRemote)
	require.NotContains(t, res.Errors, y)
}

func TestResolveSurfacesConflicts(t *testing.T) {
	store := newFakeStore()
	store.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}, Accessions: map[string]string{"refseq": "NC_000913"}}
	r := NewResolver(WithLocalStore(store))
	ctx := context.Background()
	require.Empty(t, r.WarmCache(ctx, []domain.Record{{ID: 561, Names: []string{"E. coli"}}}))

	res, err := r.Resolve(ctx, []domain.Key{ecoli}, []domain.KeyType{domain.KeyAccession})
	require.NoError(t, err)
	require.Equal(t, []domain.IdentityConflict{{
		Key:      ecoli,
		Field:    "id",
		Existing: "561",
		Incoming: "562",
	}}, res.Conflicts)
	require.Equal(t, []domain.Key{ecoli}, res.Failed)
	require.Equal(t, int64(561), res.Partial[ecoli].ID)

	cached, ok := r.Cache().Get(ecoli)
	require.True(t, ok)
	require.Equal(t, int64(561), cached.ID, "conflicting data must not overwrite the cache")
}

func TestResolveMergesAcrossTiers(t *testing.T) {
	store := newFakeStore()
	store.records[ecoli] = domain.Record{Names: []string{"E. coli"}}
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562, Accessions: map[string]string{"refseq": "NC_000913"}}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli}, []domain.KeyType{domain.KeyNumericID, domain.KeyAccession})
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	want := domain.Record{ID: 562, Names: []string{"E. coli"}, Accessions: map[string]string{"refseq": "NC_000913"}}
	got, ok := res.Resolved[ecoli]
	require.True(t, ok)
	require.True(t, want.Equal(got), "resolved %+v", got)
	require.Equal(t, StateRemoteHit, res.States[ecoli])

	cached, ok := r.Cache().Get(domain.NumericID(562))
	require.True(t, ok)
	require.True(t, got.Equal(cached), "cached %+v", cached)
	require.Equal(t, 1, r.Cache().Len())
}

func TestResolveSiblingKeysShareRecord(t *testing.T) {
	remote := newFakeRemote()
	remote.records[domain.NumericID(562)] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	r := NewResolver(WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli, domain.NumericID(562)}, wantID)
	require.NoError(t, err)
	require.Equal(t, 2, remote.callCount(), "one batch per key type")
	require.Empty(t, res.Failed)
	require.Equal(t, res.Resolved[ecoli], res.Resolved[domain.NumericID(562)])
	require.Equal(t, StateRemoteHit, res.States[ecoli])
}

func TestResolveDeduplicatesKeys(t *testing.T) {
	store := newFakeStore()
	store.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	r := NewResolver(WithLocalStore(store))
	padded := domain.Name("  E. coli ")

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli, padded, ecoli}, wantID)
	require.NoError(t, err)
	require.Equal(t, [][]domain.Key{{ecoli}}, store.calls)
	require.Len(t, res.Resolved, 2)
	require.Equal(t, res.Resolved[ecoli], res.Resolved[padded])
}

func TestResolveRejectsMalformedInput(t *testing.T) {
	store, remote := newFakeStore(), newFakeRemote()
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))
	ctx := context.Background()

	cases := []struct {
		name string
		keys []domain.Key
		want []domain.KeyType
	}{
		{"unknown key type", []domain.Key{{Type: "genus", Value: "Escherichia"}}, wantID},
		{"negative id", []domain.Key{domain.NumericID(-4)}, wantID},
		{"empty name", []domain.Key{ecoli, domain.Name(" ")}, wantID},
		{"unknown want type", []domain.Key{ecoli}, []domain.KeyType{"rank"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tc.keys, tc.want)
			require.ErrorIs(t, err, domain.ErrInvalidKey)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
	require.Zero(t, store.callCount())
	require.Zero(t, remote.callCount())
}

func TestResolveContinuesPastLocalFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("disk gone")
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli, salmonell}, wantID)
	require.NoError(t, err)
	require.Equal(t, StateRemoteHit, res.States[ecoli])
	require.NotContains(t, res.Errors, ecoli)
	require.Equal(t, []domain.Key{salmonell}, res.Failed)
	require.ErrorIs(t, res.Errors[salmonell], domain.ErrStoreUnavailable)
}

func TestResolveRemoteTimeout(t *testing.T) {
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562}
	remote.release = make(chan struct{})
	defer close(remote.release)
	r := NewResolver(WithRemoteAuthority(remote), WithRemoteTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := r.Resolve(context.Background(), []domain.Key{ecoli}, wantID)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, []domain.Key{ecoli}, res.Failed)

	var re *domain.RemoteError
	require.ErrorAs(t, res.Errors[ecoli], &re)
	require.True(t, re.Timeout)
	require.False(t, r.Cache().Contains(ecoli))
}

func TestResolveNegativeCache(t *testing.T) {
	unknown := domain.Name("Unobtainium")
	remote := newFakeRemote()
	r := NewResolver(WithRemoteAuthority(remote), WithNegativeCache(16, time.Minute))
	ctx := context.Background()

	for range 2 {
		res, err := r.Resolve(ctx, []domain.Key{unknown}, wantID)
		require.NoError(t, err)
		require.Equal(t, []domain.Key{unknown}, res.Failed)
	}
	require.Equal(t, 1, remote.callCount())

	r.ClearCache()
	_, err := r.Resolve(ctx, []domain.Key{unknown}, wantID)
	require.NoError(t, err)
	require.Equal(t, 2, remote.callCount())
}

func TestResolveFailedKeysAreNotNegativelyCached(t *testing.T) {
	remote := newFakeRemote()
	remote.failing[ecoli] = &domain.RemoteError{Op: "name", Status: 503}
	r := NewResolver(WithRemoteAuthority(remote), WithNegativeCache(16, time.Minute))
	ctx := context.Background()

	for range 2 {
		_, err := r.Resolve(ctx, []domain.Key{ecoli}, wantID)
		require.NoError(t, err)
	}
	require.Equal(t, 2, remote.callCount())
}

func TestResolveUsesDedicatedQueryPath(t *testing.T) {
	remote := &nameRemote{fakeRemote: newFakeRemote()}
	remote.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	remote.records[domain.Accession("NC_000913")] = domain.Record{ID: 562, Accessions: map[string]string{"refseq": "NC_000913"}}
	r := NewResolver(WithRemoteAuthority(remote))

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli, domain.Accession("NC_000913")}, wantID)
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, 1, remote.byName)
	require.Equal(t, 2, remote.callCount())

	rec := res.Resolved[ecoli]
	require.Equal(t, "NC_000913", rec.Accessions["refseq"], "records reachable by both keys coalesce")
}

func TestResolveWritesBackRemoteDiscoveries(t *testing.T) {
	store := &writableStore{fakeStore: newFakeStore()}
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote))

	_, err := r.Resolve(context.Background(), []domain.Key{ecoli, salmonell}, wantID)
	require.NoError(t, err)
	require.Len(t, store.written, 1)
	require.Equal(t, int64(562), store.written[0].ID)
}

func TestResolveWriteBackFailureIsNotFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := &writableStore{fakeStore: newFakeStore(), writeErr: domain.StoreUnavailable(errors.New("read-only"))}
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote), WithLogger(logger))

	res, err := r.Resolve(context.Background(), []domain.Key{ecoli}, wantID)
	require.NoError(t, err)
	require.Equal(t, StateRemoteHit, res.States[ecoli])
	require.Contains(t, buf.String(), "local write-back failed")
	require.Contains(t, buf.String(), "realm=resolver")
}

func TestResolveWriteBackDisabled(t *testing.T) {
	store := &writableStore{fakeStore: newFakeStore()}
	remote := newFakeRemote()
	remote.records[ecoli] = domain.Record{ID: 562}
	r := NewResolver(WithLocalStore(store), WithRemoteAuthority(remote), WithWriteBack(false))

	_, err := r.Resolve(context.Background(), []domain.Key{ecoli}, wantID)
	require.NoError(t, err)
	require.Empty(t, store.written)
}

func TestResolveConcurrentCallers(t *testing.T) {
	remote := newFakeRemote()
	for i := int64(1); i <= 20; i++ {
		remote.records[domain.NumericID(i)] = domain.Record{ID: i}
	}
	r := NewResolver(WithRemoteAuthority(remote), WithRemoteDedup())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= 20; i++ {
				res, err := r.Resolve(ctx, []domain.Key{domain.NumericID(i)}, wantID)
				if err != nil {
					errs <- err
					return
				}
				if len(res.Failed) != 0 {
					errs <- errors.New("unexpected failure for " + domain.NumericID(i).String())
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 20, r.Cache().Len())
}

func TestWarmCacheReportsConflicts(t *testing.T) {
	r := NewResolver()
	conflicts := r.WarmCache(context.Background(), []domain.Record{
		{ID: 562, Names: []string{"E. coli"}},
		{ID: 561, Names: []string{"E. coli"}},
		{ID: 1423, Names: []string{"Bacillus subtilis"}},
	})
	require.Len(t, conflicts, 1)
	require.Equal(t, "id", conflicts[0].Field)
	require.Equal(t, "562", conflicts[0].Existing)
	require.Equal(t, "561", conflicts[0].Incoming)
	require.Equal(t, 2, r.Cache().Len())

	r.ClearCache()
	require.Zero(t, r.Cache().Len())
	require.False(t, r.Cache().Contains(ecoli))
}

func TestFlightKeyIgnoresKeyOrder(t *testing.T) {
	a := flightKey(domain.KeyName, []domain.Key{ecoli, salmonell}, wantID)
	b := flightKey(domain.KeyName, []domain.Key{salmonell, ecoli}, wantID)
	require.Equal(t, a, b)
	require.NotEqual(t, a, flightKey(domain.KeyName, []domain.Key{ecoli}, wantID))
	require.NotEqual(t, a, flightKey(domain.KeyName, []domain.Key{ecoli, salmonell}, nil))
}

func TestKeyErrors(t *testing.T) {
	keys := []domain.Key{ecoli, salmonell}
	require.Nil(t, keyErrors(keys, nil))

	plain := errors.New("connection reset")
	all := keyErrors(keys, plain)
	require.Len(t, all, 2)
	require.Equal(t, plain, all[salmonell])

	cause := &domain.RemoteError{Op: "name", Status: 404}
	partial := keyErrors(keys, &domain.BatchError{Failed: map[domain.Key]error{ecoli: cause}})
	require.Equal(t, map[domain.Key]error{ecoli: cause}, partial)
}
