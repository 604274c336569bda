package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taxonmap/pkg/domain"
)

type fakeAuthority struct {
	mu       sync.Mutex
	requests map[string][]lookupRequest
	headers  []http.Header
	records  map[string]domain.Record
	errors   map[string]lookupError
	status   map[string]int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		requests: make(map[string][]lookupRequest),
		records:  make(map[string]domain.Record),
		errors:   make(map[string]lookupError),
		status:   make(map[string]int),
	}
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests[r.URL.Path] = append(f.requests[r.URL.Path], req)
	f.headers = append(f.headers, r.Header.Clone())
	status := 0
	for _, q := range req.Queries {
		if s, ok := f.status[q]; ok {
			status = s
		}
	}
	var resp lookupResponse
	for _, q := range req.Queries {
		if rec, ok := f.records[q]; ok {
			resp.Results = append(resp.Results, lookupResult{Query: q, Record: rec})
			continue
		}
		if e, ok := f.errors[q]; ok {
			e.Query = q
			resp.Errors = append(resp.Errors, e)
			continue
		}
		resp.Errors = append(resp.Errors, lookupError{Query: q, Code: codeNotFound})
	}
	f.mu.Unlock()

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "7")
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, fake *fakeAuthority, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/"
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestLookupByNameReturnsRecordsAndOmitsNotFound(t *testing.T) {
	fake := newFakeAuthority()
	fake.records["E. coli"] = domain.Record{ID: 562, Names: []string{"E. coli", "Escherichia coli"}}
	c := newTestClient(t, fake, Config{APIKey: "secret"})

	got, err := c.LookupByName(context.Background(), []domain.Key{domain.Name("E. coli"), domain.Name("nothing")}, []domain.KeyType{domain.KeyNumericID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	rec := got[domain.Name("E. coli")]
	require.Equal(t, int64(562), rec.ID)
	require.Equal(t, domain.OriginRemote, rec.Origin)

	reqs := fake.requests["/v1/taxa/names"]
	require.Len(t, reqs, 1)
	require.Equal(t, []string{"E. coli", "nothing"}, reqs[0].Queries)
	require.Equal(t, []domain.KeyType{domain.KeyNumericID}, reqs[0].Want)
	require.Equal(t, "secret", fake.headers[0].Get("X-API-Key"))
}

func TestLookupChunksByBatchSize(t *testing.T) {
	fake := newFakeAuthority()
	keys := make([]domain.Key, 0, 5)
	for i := int64(1); i <= 5; i++ {
		fake.records[domain.NumericID(i).Value] = domain.Record{ID: i}
		keys = append(keys, domain.NumericID(i))
	}
	c := newTestClient(t, fake, Config{BatchSize: 2})

	got, err := c.LookupByID(context.Background(), keys, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Len(t, fake.requests["/v1/taxa/ids"], 3)
}

func TestFailedChunkKeepsOtherChunks(t *testing.T) {
	fake := newFakeAuthority()
	fake.records["a"] = domain.Record{ID: 1, Names: []string{"a"}}
	fake.records["b"] = domain.Record{ID: 2, Names: []string{"b"}}
	fake.status["c"] = http.StatusBadGateway
	c := newTestClient(t, fake, Config{BatchSize: 2})

	got, err := c.LookupByName(context.Background(), []domain.Key{domain.Name("a"), domain.Name("b"), domain.Name("c")}, nil)
	require.Len(t, got, 2)
	var be *domain.BatchError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Failed, 1)
	var re *domain.RemoteError
	require.ErrorAs(t, be.Failed[domain.Name("c")], &re)
	require.Equal(t, http.StatusBadGateway, re.Status)
	require.ErrorIs(t, err, domain.ErrRemote)
}

func TestRateLimitedStatus(t *testing.T) {
	fake := newFakeAuthority()
	fake.status["NC_1"] = http.StatusTooManyRequests
	c := newTestClient(t, fake, Config{})

	_, err := c.LookupByAccession(context.Background(), []domain.Key{domain.Accession("NC_1")}, nil)
	var be *domain.BatchError
	require.ErrorAs(t, err, &be)
	var re *domain.RemoteError
	require.ErrorAs(t, be.Failed[domain.Accession("NC_1")], &re)
	require.True(t, re.RateLimited)
	require.Contains(t, re.Error(), "retry after 7")
}

func TestPerQueryErrorCode(t *testing.T) {
	fake := newFakeAuthority()
	fake.errors["broken"] = lookupError{Code: "error", Message: "upstream index offline"}
	c := newTestClient(t, fake, Config{})

	got, err := c.LookupByName(context.Background(), []domain.Key{domain.Name("broken")}, nil)
	require.Empty(t, got)
	var be *domain.BatchError
	require.ErrorAs(t, err, &be)
	require.Contains(t, be.Failed[domain.Name("broken")].Error(), "upstream index offline")
}

func TestLookupBatchGroupsByType(t *testing.T) {
	fake := newFakeAuthority()
	fake.records["562"] = domain.Record{ID: 562}
	fake.records["E. coli"] = domain.Record{ID: 562, Names: []string{"E. coli"}}
	c := newTestClient(t, fake, Config{})

	got, err := c.LookupBatch(context.Background(), []domain.Key{domain.NumericID(562), domain.Name("E. coli")}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, fake.requests["/v1/taxa/ids"], 1)
	require.Len(t, fake.requests["/v1/taxa/names"], 1)
}

func TestLookupTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.LookupByName(ctx, []domain.Key{domain.Name("slow")}, nil)
	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)
	require.True(t, re.Timeout)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	fake := newFakeAuthority()
	c := newTestClient(t, fake, Config{RateLimit: 0.001, Burst: 1, BatchSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.LookupByName(ctx, []domain.Key{domain.Name("a"), domain.Name("b")}, nil)
	var be *domain.BatchError
	require.ErrorAs(t, err, &be)
	require.Contains(t, be.Failed, domain.Name("b"))
	require.NotContains(t, be.Failed, domain.Name("a"))
	require.Len(t, fake.requests["/v1/taxa/names"], 1)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.org"})
	require.Error(t, err)
	c, err := New(Config{BaseURL: "https://taxa.example.org/api/"})
	require.NoError(t, err)
	require.Equal(t, defaultBatchSize, c.batchSize)
	require.True(t, errors.Is(&domain.RemoteError{}, domain.ErrRemote))
}
