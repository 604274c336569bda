// Package sqlstore implements the LocalStore and RecordWriter contracts over
// database/sql. The sqlite and postgres packages supply drivers and dialects.
//
// Records live in three tables: taxon_records holds one row per identity with
// its optional numeric id, taxon_names and taxon_accessions hang off it. Name
// and accession rows carry a lookup key column holding the registry's
// canonical form so case-insensitive registries work unchanged.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"taxonmap/internal/infra/persistence/schema"
	"taxonmap/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.LocalStore   = (*Store)(nil)
	_ domain.RecordWriter = (*Store)(nil)
)

// Dialect captures the differences between supported SQL engines.
type Dialect struct {
	Name string
	// Placeholder renders the i-th (1-based) bind parameter.
	Placeholder func(i int) string
	DDL         string
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	DDL:         schema.SQLite(),
}

// Postgres is the dialect for the pgx stdlib driver.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
	DDL:         schema.Postgres(),
}

const defaultChunkSize = 500

// Store is a LocalStore backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	reg     *domain.Registry
	chunk   int
}

// Option customizes a Store.
type Option func(*Store)

// WithRegistry sets the registry used to compute lookup keys.
func WithRegistry(reg *domain.Registry) Option {
	return func(s *Store) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// WithChunkSize bounds the number of bind parameters in one IN list.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// New wraps db. Call Migrate before first use on a fresh database.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, reg: domain.NewRegistry(), chunk: defaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the dialect DDL. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema.SplitStatements(s.dialect.DDL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// keyColumns is the closed table of where each key type is indexed.
var keyColumns = map[domain.KeyType]struct{ table, column string }{
	domain.KeyNumericID: {"taxon_records", "taxon_id"},
	domain.KeyName:      {"taxon_names", "name_key"},
	domain.KeyAccession: {"taxon_accessions", "accession_key"},
}

// LookupBatch returns the stored record for every key it knows. Records are
// returned whole; want is not used to trim them.
func (s *Store) LookupBatch(ctx context.Context, keys []domain.Key, _ []domain.KeyType) (map[domain.Key]domain.Record, error) {
	out := make(map[domain.Key]domain.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	requested := make(map[domain.Key][]domain.Key, len(keys))
	canon := make([]domain.Key, 0, len(keys))
	for _, k := range keys {
		c := s.reg.Canonical(k)
		if _, ok := requested[c]; !ok {
			canon = append(canon, c)
		}
		requested[c] = append(requested[c], k)
	}

	hits, err := s.recordIDs(ctx, s.db, canon)
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("%s lookup: %w", s.dialect.Name, err))
	}
	if len(hits) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(hits))
	for _, rid := range hits {
		ids = append(ids, rid[0])
	}
	records, err := s.loadRecords(ctx, s.db, uniqueIDs(ids))
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("%s load: %w", s.dialect.Name, err))
	}
	for c, rid := range hits {
		rec, ok := records[rid[0]]
		if !ok {
			continue
		}
		for _, k := range requested[c] {
			r := rec.Clone()
			r.Origin = domain.OriginLocal
			out[k] = r
		}
	}
	slogcontext.FromCtx(ctx).Debug("local lookup",
		slog.String("realm", "sqlstore"),
		slog.String("dialect", s.dialect.Name),
		slog.Int("keys", len(keys)),
		slog.Int("hits", len(out)),
	)
	return out, nil
}

// recordIDs maps each canonical key to the row ids that index it, lowest first.
func (s *Store) recordIDs(ctx context.Context, q queryer, keys []domain.Key) (map[domain.Key][]int64, error) {
	byType := make(map[domain.KeyType][]domain.Key)
	for _, k := range keys {
		byType[k.Type] = append(byType[k.Type], k)
	}
	out := make(map[domain.Key][]int64, len(keys))
	for _, kt := range domain.KeyTypes {
		group := byType[kt]
		if len(group) == 0 {
			continue
		}
		col := keyColumns[kt]
		for _, part := range chunkKeys(group, s.chunk) {
			args := make([]any, 0, len(part))
			for _, k := range part {
				if kt == domain.KeyNumericID {
					id, ok := k.Int()
					if !ok {
						continue
					}
					args = append(args, id)
					continue
				}
				args = append(args, k.Value)
			}
			if len(args) == 0 {
				continue
			}
			query := fmt.Sprintf("SELECT %s, record_id FROM %s WHERE %s IN (%s)", col.column, col.table, col.column, s.placeholders(len(args)))
			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("select %s: %w", col.table, err)
			}
			for rows.Next() {
				var value string
				var rid int64
				if err := rows.Scan(&value, &rid); err != nil {
					_ = rows.Close()
					return nil, fmt.Errorf("scan %s: %w", col.table, err)
				}
				k := domain.Key{Type: kt, Value: value}
				out[k] = append(out[k], rid)
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("iterate %s: %w", col.table, err)
			}
			_ = rows.Close()
		}
	}
	for k, ids := range out {
		out[k] = uniqueIDs(ids)
	}
	return out, nil
}

// loadRecords assembles the records stored under the given row ids.
func (s *Store) loadRecords(ctx context.Context, q queryer, ids []int64) (map[int64]domain.Record, error) {
	out := make(map[int64]domain.Record, len(ids))
	for _, part := range chunkIDs(ids, s.chunk) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		in := s.placeholders(len(part))

		if err := scanRows(ctx, q, "SELECT record_id, taxon_id FROM taxon_records WHERE record_id IN ("+in+")", args, func(rows *sql.Rows) error {
			var rid int64
			var taxon sql.NullInt64
			if err := rows.Scan(&rid, &taxon); err != nil {
				return err
			}
			rec := out[rid]
			if taxon.Valid {
				rec.ID = taxon.Int64
			}
			out[rid] = rec
			return nil
		}); err != nil {
			return nil, fmt.Errorf("select taxon_records: %w", err)
		}

		if err := scanRows(ctx, q, "SELECT record_id, name FROM taxon_names WHERE record_id IN ("+in+")", args, func(rows *sql.Rows) error {
			var rid int64
			var name string
			if err := rows.Scan(&rid, &name); err != nil {
				return err
			}
			if rec, ok := out[rid]; ok {
				rec.Names = append(rec.Names, name)
				out[rid] = rec
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("select taxon_names: %w", err)
		}

		if err := scanRows(ctx, q, "SELECT record_id, source, accession FROM taxon_accessions WHERE record_id IN ("+in+")", args, func(rows *sql.Rows) error {
			var rid int64
			var source, accession string
			if err := rows.Scan(&rid, &source, &accession); err != nil {
				return err
			}
			if rec, ok := out[rid]; ok {
				if rec.Accessions == nil {
					rec.Accessions = make(map[string]string)
				}
				rec.Accessions[source] = accession
				out[rid] = rec
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("select taxon_accessions: %w", err)
		}
	}
	for rid, rec := range out {
		out[rid] = rec.Normalized()
	}
	return out, nil
}

// WriteBack merges records into the store inside one transaction. Records
// that conflict with stored data are skipped and their conflicts returned;
// any other failure rolls the whole batch back.
func (s *Store) WriteBack(ctx context.Context, records []domain.Record) (retErr error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var conflicts []error
	for _, rec := range records {
		if err := s.writeOne(ctx, tx, rec); err != nil {
			if errors.Is(err, domain.ErrIdentityConflict) {
				conflicts = append(conflicts, err)
				continue
			}
			return domain.StoreUnavailable(fmt.Errorf("write back: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreUnavailable(fmt.Errorf("commit: %w", err))
	}
	committed = true
	if len(conflicts) > 0 {
		return fmt.Errorf("write back: %w", errors.Join(conflicts...))
	}
	return nil
}

func (s *Store) writeOne(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	rec = rec.Normalized()
	rec.Origin = ""
	keys := s.reg.RecordKeys(rec)
	if len(keys) == 0 {
		return nil
	}
	hits, err := s.recordIDs(ctx, tx, keys)
	if err != nil {
		return err
	}
	var ids []int64
	for _, rids := range hits {
		ids = append(ids, rids...)
	}
	ids = uniqueIDs(ids)
	existing, err := s.loadRecords(ctx, tx, ids)
	if err != nil {
		return err
	}

	var merged domain.Record
	for i, id := range ids {
		if i == 0 {
			merged = existing[id]
			continue
		}
		if merged, err = domain.Merge(merged, existing[id]); err != nil {
			return err
		}
	}
	if merged, err = domain.Merge(merged, rec); err != nil {
		return err
	}

	var target int64
	if len(ids) == 0 {
		if err := tx.QueryRowContext(ctx,
			"INSERT INTO taxon_records (taxon_id) VALUES ("+s.dialect.Placeholder(1)+") RETURNING record_id",
			nullID(merged.ID),
		).Scan(&target); err != nil {
			return fmt.Errorf("insert taxon_records: %w", err)
		}
	} else {
		target = ids[0]
		if err := s.dropRecords(ctx, tx, ids[1:]); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE taxon_records SET taxon_id = "+s.dialect.Placeholder(1)+" WHERE record_id = "+s.dialect.Placeholder(2),
			nullID(merged.ID), target,
		); err != nil {
			return fmt.Errorf("update taxon_records: %w", err)
		}
	}

	insertName := fmt.Sprintf("INSERT INTO taxon_names (name_key, name, record_id) VALUES (%s, %s, %s) ON CONFLICT (name_key) DO NOTHING",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))
	for _, name := range merged.Names {
		key := s.reg.Canonical(domain.Name(name))
		if _, err := tx.ExecContext(ctx, insertName, key.Value, name, target); err != nil {
			return fmt.Errorf("insert taxon_names: %w", err)
		}
	}
	insertAcc := fmt.Sprintf("INSERT INTO taxon_accessions (record_id, source, accession, accession_key) VALUES (%s, %s, %s, %s) ON CONFLICT (record_id, source) DO NOTHING",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3), s.dialect.Placeholder(4))
	sources := make([]string, 0, len(merged.Accessions))
	for src := range merged.Accessions {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		acc := merged.Accessions[src]
		key := s.reg.Canonical(domain.Accession(acc))
		if _, err := tx.ExecContext(ctx, insertAcc, target, src, acc, key.Value); err != nil {
			return fmt.Errorf("insert taxon_accessions: %w", err)
		}
	}
	return nil
}

// dropRecords removes rows that were coalesced into another record. Their
// names and accessions are re-inserted under the surviving row.
func (s *Store) dropRecords(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := s.placeholders(len(ids))
	for _, table := range []string{"taxon_names", "taxon_accessions", "taxon_records"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE record_id IN ("+in+")", args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func scanRows(ctx context.Context, q queryer, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

func uniqueIDs(ids []int64) []int64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}

func chunkKeys(keys []domain.Key, size int) [][]domain.Key {
	var out [][]domain.Key
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
