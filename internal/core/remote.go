package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taxonmap/pkg/domain"
)

type remoteCall func(ctx context.Context, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error)

// bindRemote builds the per-type call table once. Authorities exposing a
// dedicated query path for a key type get that path; every other type goes
// through LookupBatch.
func bindRemote(auth domain.RemoteAuthority) map[domain.KeyType]remoteCall {
	if auth == nil {
		return nil
	}
	calls := make(map[domain.KeyType]remoteCall, len(domain.KeyTypes))
	for _, kt := range domain.KeyTypes {
		calls[kt] = auth.LookupBatch
	}
	if a, ok := auth.(domain.IDAuthority); ok {
		calls[domain.KeyNumericID] = a.LookupByID
	}
	if a, ok := auth.(domain.NameAuthority); ok {
		calls[domain.KeyName] = a.LookupByName
	}
	if a, ok := auth.(domain.AccessionAuthority); ok {
		calls[domain.KeyAccession] = a.LookupByAccession
	}
	return calls
}

// remoteGroup is the outcome of one per-type batch call.
type remoteGroup struct {
	kt      domain.KeyType
	keys    []domain.Key // as sent
	records map[domain.Key]domain.Record
	err     error
}

type remoteOutcome struct {
	records map[domain.Key]domain.Record
	err     error
}

// callRemote issues one batch call per key type concurrently and waits for
// all of them. Keys must already be grouped by type.
func (r *Resolver) callRemote(ctx context.Context, groups []remoteGroup, want []domain.KeyType) []remoteGroup {
	if r.remoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.remoteTimeout)
		defer cancel()
	}
	var g errgroup.Group
	for i := range groups {
		g.Go(func() error {
			grp := &groups[i]
			call := r.remote[grp.kt]
			start := time.Now()
			done := make(chan remoteOutcome, 1)
			go func() {
				recs, err := r.dedupCall(ctx, call, grp.kt, grp.keys, want)
				done <- remoteOutcome{records: recs, err: err}
			}()
			// an authority that ignores ctx still cannot hold the call past the deadline
			select {
			case out := <-done:
				grp.records, grp.err = out.records, out.err
			case <-ctx.Done():
				select {
				case out := <-done:
					grp.records, grp.err = out.records, out.err
				default:
					grp.err = &domain.RemoteError{
						Op:      string(grp.kt),
						Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
						Err:     ctx.Err(),
					}
				}
			}
			r.metrics.ObserveRemoteCall(ctx, grp.kt, len(grp.keys), grp.err, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	return groups
}

func (r *Resolver) dedupCall(ctx context.Context, call remoteCall, kt domain.KeyType, keys []domain.Key, want []domain.KeyType) (map[domain.Key]domain.Record, error) {
	if r.inflight == nil {
		return call(ctx, keys, want)
	}
	v, _, _ := r.inflight.Do(flightKey(kt, keys, want), func() (any, error) {
		recs, err := call(ctx, keys, want)
		return remoteOutcome{records: recs, err: err}, nil
	})
	out := v.(remoteOutcome)
	return out.records, out.err
}

func flightKey(kt domain.KeyType, keys []domain.Key, want []domain.KeyType) string {
	var b strings.Builder
	b.WriteString(string(kt))
	b.WriteByte(0)
	for _, w := range want {
		b.WriteString(string(w))
		b.WriteByte(',')
	}
	sorted := append([]domain.Key(nil), keys...)
	domain.SortKeys(sorted)
	for _, k := range sorted {
		b.WriteByte(0)
		b.WriteString(k.Value)
	}
	return b.String()
}

// keyErrors splits a group error into per-key causes. A *BatchError names
// its failed keys; any other error applies to every key of the group.
func keyErrors(keys []domain.Key, err error) map[domain.Key]error {
	if err == nil {
		return nil
	}
	var be *domain.BatchError
	if errors.As(err, &be) {
		return be.Failed
	}
	out := make(map[domain.Key]error, len(keys))
	for _, k := range keys {
		out[k] = err
	}
	return out
}
