// Package postgres stores document collections as JSONB rows. Each collection is a
// table with a single body column and a unique expression index on its identity key.
package postgres

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/persistence"
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

var _ persistence.Store = (*Store)(nil)

// DB is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store provides JSONB-backed collections.
type Store struct {
	db   DB
	psql sq.StatementBuilderType
}

// NewStore constructs a Store over db.
func NewStore(db DB) *Store {
	return &Store{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Connect opens a pool for url. The caller owns the returned pool.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return pool, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// EnsureSchema applies the embedded migrations in file name order. Every statement
// is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Collection returns the named collection. Names without a schema yield a
// collection whose every call fails with persistence.ErrUnknownCollection.
func (s *Store) Collection(name string) persistence.Collection {
	if _, ok := persistence.KeyFields[name]; !ok {
		return unknownCollection{name: name}
	}
	return &Collection{store: s, table: name}
}

// Collection is one JSONB table.
type Collection struct {
	store *Store
	table string
}

// FindOne returns the first document containing every field of filter.
func (c *Collection) FindOne(ctx context.Context, filter domain.Filter) (domain.Document, error) {
	encoded, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	query, args, err := c.store.psql.
		Select("body").
		From(c.table).
		Where("body @> ?::jsonb", string(encoded)).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find query: %w", err)
	}

	rows, err := c.store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var body []byte
	if err := rows.Scan(&body); err != nil {
		return nil, fmt.Errorf("scan %s document: %w", c.table, err)
	}

	var doc domain.Document
	if err := decode(body, &doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", c.table, err)
	}
	return doc, rows.Err()
}

// InsertOne stores doc. A taken identity key yields persistence.ErrDuplicateKey.
func (c *Collection) InsertOne(ctx context.Context, doc domain.Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	query, args, err := c.store.psql.
		Insert(c.table).
		Columns("body").
		Values(sq.Expr("?::jsonb", string(encoded))).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := c.store.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert into %s: %w", c.table, persistence.ErrDuplicateKey)
		}
		return fmt.Errorf("insert into %s: %w", c.table, err)
	}
	return nil
}

// UpdateOne merges patch into the first document matching filter.
func (c *Collection) UpdateOne(ctx context.Context, filter domain.Filter, patch domain.Document) error {
	encodedFilter, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	encodedPatch, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	query, args, err := c.store.psql.
		Update(c.table).
		Set("body", sq.Expr("body || ?::jsonb", string(encodedPatch))).
		Where(sq.Expr(
			fmt.Sprintf("ctid = (SELECT ctid FROM %s WHERE body @> ?::jsonb LIMIT 1)", c.table),
			string(encodedFilter),
		)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	tag, err := c.store.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", c.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", c.table, persistence.ErrNotFound)
	}
	return nil
}

func decode(body []byte, doc *domain.Document) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(doc)
}

type unknownCollection struct {
	name string
}

func (u unknownCollection) err() error {
	return fmt.Errorf("%w: %s", persistence.ErrUnknownCollection, u.name)
}

func (u unknownCollection) FindOne(context.Context, domain.Filter) (domain.Document, error) {
	return nil, u.err()
}

func (u unknownCollection) InsertOne(context.Context, domain.Document) error { return u.err() }

func (u unknownCollection) UpdateOne(context.Context, domain.Filter, domain.Document) error {
	return u.err()
}
