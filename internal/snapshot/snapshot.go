// Package snapshot persists resolved records to a blob store as
// gzip-compressed JSON lines, one record per line, under
// snapshots/records-<unix-nanos>.jsonl.gz.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"taxonmap/internal/blob"
	"taxonmap/pkg/domain"
)

const (
	// Prefix is the blob key prefix every snapshot lives under.
	Prefix      = "snapshots/"
	namePrefix  = Prefix + "records-"
	nameSuffix  = ".jsonl.gz"
	contentType = "application/gzip"
)

// ErrNoSnapshot is returned by Latest when the store holds no snapshot.
var ErrNoSnapshot = errors.New("snapshot: none found")

// Key returns the blob key of a snapshot taken at t.
func Key(t time.Time) string {
	return namePrefix + strconv.FormatInt(t.UnixNano(), 10) + nameSuffix
}

// IsKey reports whether key names a snapshot.
func IsKey(key string) bool {
	if !strings.HasPrefix(key, namePrefix) || !strings.HasSuffix(key, nameSuffix) {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(key, namePrefix), nameSuffix), 10, 64)
	return err == nil
}

// Encode writes records to w as gzip-compressed JSON lines.
func Encode(w io.Writer, records []domain.Record) error {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = zw.Close()
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return zw.Close()
}

// Decode reads every record written by Encode.
func Decode(r io.Reader) ([]domain.Record, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = zr.Close() }()
	dec := json.NewDecoder(zr)
	var out []domain.Record
	for {
		var rec domain.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, rec.Normalized())
	}
}

// Store saves and loads snapshots on a blob store.
type Store struct {
	blobs blob.Store
	now   func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used to name snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a snapshot store on blobs.
func New(blobs blob.Store, opts ...Option) *Store {
	s := &Store{blobs: blobs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes records as a new snapshot.
func (s *Store) Save(ctx context.Context, records []domain.Record) (blob.Info, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, records); err != nil {
		return blob.Info{}, err
	}
	key := Key(s.now())
	info, err := s.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"records": strconv.Itoa(len(records))},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("save snapshot: %w", err)
	}
	logger(ctx).Info("snapshot saved",
		slog.String("key", key),
		slog.Int("records", len(records)),
		slog.Int64("bytes", info.Size),
	)
	return info, nil
}

// List returns every snapshot, oldest first.
func (s *Store) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := s.blobs.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if IsKey(info.Key) {
			out = append(out, info)
		}
	}
	return out, nil
}

// Latest loads the newest snapshot, the last one in key order.
func (s *Store) Latest(ctx context.Context) ([]domain.Record, blob.Info, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, blob.Info{}, err
	}
	if len(infos) == 0 {
		return nil, blob.Info{}, ErrNoSnapshot
	}
	return s.Load(ctx, infos[len(infos)-1].Key)
}

// Load reads the snapshot stored at key.
func (s *Store) Load(ctx context.Context, key string) ([]domain.Record, blob.Info, error) {
	info, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, blob.Info{}, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = rc.Close() }()
	records, err := Decode(rc)
	if err != nil {
		return nil, blob.Info{}, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return records, info, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed. keep <= 0 removes nothing.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	infos, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos[:max(len(infos)-keep, 0)] {
		ok, err := s.blobs.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", info.Key, err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		logger(ctx).Info("snapshots pruned", slog.Int("removed", removed), slog.Int("kept", keep))
	}
	return removed, nil
}

func logger(ctx context.Context) *slog.Logger {
	return slogcontext.FromCtx(ctx).With(slog.String("realm", "snapshot"))
}
