// Package rest implements the remote authority over a JSON HTTP API.
//
// Each key type has its own batch endpoint:
//
//	POST {base}/v1/taxa/ids
//	POST {base}/v1/taxa/names
//	POST {base}/v1/taxa/accessions
//
// with request body {"queries":[...],"want":[...]} and response
// {"results":[{"query":q,"record":{...}}],"errors":[{"query":q,"code":c,"message":m}]}.
// Error code "not_found" means the authority does not know the query; any
// other code is a per-key failure.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/time/rate"

	"taxonmap/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.RemoteAuthority    = (*Client)(nil)
	_ domain.IDAuthority        = (*Client)(nil)
	_ domain.NameAuthority      = (*Client)(nil)
	_ domain.AccessionAuthority = (*Client)(nil)
)

const (
	defaultBatchSize = 100
	maxResponseBytes = 8 << 20
	codeNotFound     = "not_found"
)

var endpoints = map[domain.KeyType]string{
	domain.KeyNumericID: "ids",
	domain.KeyName:      "names",
	domain.KeyAccession: "accessions",
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// APIKey is sent as X-API-Key when set.
	APIKey    string
	BatchSize int
	// RateLimit is the sustained request rate per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client calls the remote authority.
type Client struct {
	base      *url.URL
	apiKey    string
	batchSize int
	limiter   *rate.Limiter
	http      *http.Client
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base url %q must be http or https", cfg.BaseURL)
	}
	c := &Client{
		base:      base,
		apiKey:    cfg.APIKey,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		http:      cfg.HTTPClient,
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

type lookupRequest struct {
	Queries []string         `json:"queries"`
	Want    []domain.KeyType `json:"want,omitempty"`
}

type lookupResult struct {
	Query  string        `json:"query"`
	Record domain.Record `json:"record"`
}

type lookupError struct {
	Query   string `json:"query"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type lookupResponse struct {
	Results []lookupResult `json:"results"`
	Errors  []lookupError  `json:"errors"`
}

// LookupByID resolves numeric id keys.
func (c *Client) LookupByID(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	return c.lookup(ctx, domain.KeyNumericID, keys, want)
}

// LookupByName resolves name keys.
func (c *Client) LookupByName(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	return c.lookup(ctx, domain.KeyName, keys, want)
}

// LookupByAccession resolves accession keys.
func (c *Client) LookupByAccession(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	return c.lookup(ctx, domain.KeyAccession, keys, want)
}

// LookupBatch resolves keys of any type, one request stream per type.
func (c *Client) LookupBatch(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	byType := make(map[domain.KeyType][]domain.Key)
	for _, k := range keys {
		byType[k.Type] = append(byType[k.Type], k)
	}
	out := make(map[domain.Key]domain.Record, len(keys))
	failed := make(map[domain.Key]error)
	for _, kt := range domain.KeyTypes {
		if len(byType[kt]) == 0 {
			continue
		}
		res, err := c.lookup(ctx, kt, byType[kt], want)
		for k, rec := range res {
			out[k] = rec
		}
		mergeFailures(failed, byType[kt], err)
	}
	if len(failed) > 0 {
		return out, &domain.BatchError{Failed: failed}
	}
	return out, nil
}

func (c *Client) lookup(ctx context.Context, kt domain.KeyType, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	out := make(map[domain.Key]domain.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	endpoint, ok := endpoints[kt]
	if !ok {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("unsupported key type %q", kt)}
	}
	byValue := make(map[string][]domain.Key, len(keys))
	queries := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Type != kt {
			return nil, &domain.ValidationError{Key: k, Reason: "key type does not match endpoint " + endpoint}
		}
		if _, dup := byValue[k.Value]; !dup {
			queries = append(queries, k.Value)
		}
		byValue[k.Value] = append(byValue[k.Value], k)
	}

	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "remote"), slog.String("endpoint", endpoint))
	failed := make(map[domain.Key]error)
	for start := 0; start < len(queries); start += c.batchSize {
		end := min(start+c.batchSize, len(queries))
		chunk := queries[start:end]
		resp, err := c.call(ctx, endpoint, lookupRequest{Queries: chunk, Want: want})
		if err != nil {
			logger.Warn("remote batch failed", slog.Int("queries", len(chunk)), slog.Any("error", err))
			for _, q := range chunk {
				for _, k := range byValue[q] {
					failed[k] = err
				}
			}
			continue
		}
		for _, r := range resp.Results {
			rec := r.Record.Normalized()
			if rec.Empty() {
				continue
			}
			rec.Origin = domain.OriginRemote
			for _, k := range byValue[r.Query] {
				out[k] = rec.Clone()
			}
		}
		for _, e := range resp.Errors {
			if e.Code == codeNotFound {
				continue
			}
			for _, k := range byValue[e.Query] {
				failed[k] = &domain.RemoteError{Op: endpoint, Err: fmt.Errorf("%s: %s", e.Code, e.Message)}
			}
		}
		logger.Debug("remote batch", slog.Int("queries", len(chunk)), slog.Int("results", len(resp.Results)))
	}
	if len(failed) > 0 {
		return out, &domain.BatchError{Failed: failed}
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, endpoint string, body lookupRequest) (lookupResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return lookupResponse{}, &domain.RemoteError{Op: endpoint, Timeout: true, Err: fmt.Errorf("rate limiter: %w", err)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return lookupResponse{}, fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	u := c.base.JoinPath("v1", "taxa", endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return lookupResponse{}, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return lookupResponse{}, &domain.RemoteError{Op: endpoint, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var cause error
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			cause = fmt.Errorf("retry after %s", ra)
		}
		return lookupResponse{}, &domain.RemoteError{Op: endpoint, Status: resp.StatusCode, RateLimited: true, Err: cause}
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var cause error
		if s := strings.TrimSpace(string(msg)); s != "" {
			cause = errors.New(s)
		}
		return lookupResponse{}, &domain.RemoteError{Op: endpoint, Status: resp.StatusCode, Err: cause}
	}

	var out lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return lookupResponse{}, &domain.RemoteError{Op: endpoint, Status: resp.StatusCode, Timeout: isTimeout(ctx, err), Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// mergeFailures records err against keys: per-key causes from a BatchError,
// otherwise err for every key.
func mergeFailures(dst map[domain.Key]error, keys []domain.Key, err error) {
	if err == nil {
		return
	}
	var be *domain.BatchError
	if errors.As(err, &be) {
		for k, e := range be.Failed {
			dst[k] = e
		}
		return
	}
	for _, k := range keys {
		dst[k] = err
	}
}
