package core

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"taxonmap/internal/blob"
	"taxonmap/internal/snapshot"
	"taxonmap/pkg/domain"
)

// ExportSnapshot writes every cached record to snaps as a new snapshot and
// prunes older ones beyond keep (keep <= 0 keeps all).
func (r *Resolver) ExportSnapshot(ctx context.Context, snaps *snapshot.Store, keep int) (blob.Info, error) {
	records := r.cache.Records()
	sortRecords(records)
	info, err := snaps.Save(ctx, records)
	if err != nil {
		return blob.Info{}, err
	}
	if _, err := snaps.Prune(ctx, keep); err != nil {
		r.log(ctx).Warn("snapshot prune failed", slog.Any("error", err))
	}
	return info, nil
}

// WarmFromSnapshot loads the newest snapshot into the memory cache. A store
// without snapshots is not an error.
func (r *Resolver) WarmFromSnapshot(ctx context.Context, snaps *snapshot.Store) ([]domain.IdentityConflict, error) {
	records, info, err := snaps.Latest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		r.log(ctx).Info("no snapshot to warm from")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.log(ctx).Debug("warming from snapshot", slog.String("key", info.Key))
	return r.WarmCache(ctx, records), nil
}

// sortRecords orders records by id, then by first key, so exports are stable.
func sortRecords(records []domain.Record) {
	first := func(rec domain.Record) string {
		if ks := rec.Keys(); len(ks) > 0 {
			return ks[0].String()
		}
		return ""
	}
	slices.SortFunc(records, func(a, b domain.Record) int {
		if a.ID != b.ID {
			return cmp.Compare(a.ID, b.ID)
		}
		return strings.Compare(first(a), first(b))
	})
}
