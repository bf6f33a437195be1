// Package sqlite implements the document-store interface on an embedded
// SQLite database, one table per collection with the document body stored as
// JSON. SQLite has no native document validator, so the validator spec is
// persisted in a bookkeeping table and enforced in-process on every insert
// and replace; the unique index on the identity column provides the same
// conflict guarantee a document database would.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/asaidimu/go-fhirstore/core/persistence"
	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
)

// metaTable records every provisioned collection and its validator spec, so
// a later process can resume without the original schema definition.
const metaTable = "fhirstore_collections"

// Store is a persistence.DocumentStore backed by a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ persistence.DocumentStore = (*Store)(nil)

// NewStore creates a Store over an open database handle and ensures the
// bookkeeping table exists. A nil logger defaults to a no-op logger.
func NewStore(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, validator TEXT NOT NULL)`, metaTable))
	if err != nil {
		return nil, fmt.Errorf("failed to create bookkeeping table: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// CreateCollection creates the collection table, its unique identity index,
// and the bookkeeping row holding the validator spec.
func (s *Store) CreateCollection(ctx context.Context, descriptor *persistence.CollectionDescriptor) error {
	validator, err := json.Marshal(descriptor.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode validator for %q: %w", descriptor.Name, err)
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (name, validator) VALUES (?, ?)`, metaTable),
		descriptor.Name, string(validator))
	if err != nil {
		return fmt.Errorf("failed to register collection %q: %w", descriptor.Name, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s (id TEXT NOT NULL, body TEXT NOT NULL)`, quoteIdent(descriptor.Name)))
	if err != nil {
		return fmt.Errorf("failed to create table for %q: %w", descriptor.Name, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE UNIQUE INDEX %s ON %s (id)`,
		quoteIdent(descriptor.Name+"_identity"), quoteIdent(descriptor.Name)))
	if err != nil {
		return fmt.Errorf("failed to index %q: %w", descriptor.Name, err)
	}

	s.logger.Debug("collection created", zap.String("collection", descriptor.Name))
	return nil
}

// DropCollection drops the collection table and its bookkeeping row.
// Dropping a missing collection is a no-op.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to drop table for %q: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, metaTable), name); err != nil {
		return fmt.Errorf("failed to unregister collection %q: %w", name, err)
	}
	return nil
}

// ListCollections returns the names of all provisioned collections, sorted.
// Tables created outside the store are not listed.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT name FROM %s ORDER BY name`, metaTable))
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CollectionValidator returns the validator spec persisted for a collection.
func (s *Store) CollectionValidator(ctx context.Context, name string) (persistence.ValidatorSpec, error) {
	spec, err := s.validator(ctx, name)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *Store) validator(ctx context.Context, name string) (persistence.ValidatorSpec, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT validator FROM %s WHERE name = ?`, metaTable), name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read validator for %q: %w", name, err)
	}

	var spec persistence.ValidatorSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode validator for %q: %w", name, err)
	}
	return spec, nil
}

// InsertOne validates and inserts a document. A duplicate on the identity
// index surfaces as *persistence.ConflictError.
func (s *Store) InsertOne(ctx context.Context, collection string, doc schema.Document) (schema.Document, error) {
	spec, err := s.validator(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := persistence.CheckDocument(spec, doc); err != nil {
		return nil, fmt.Errorf("document rejected by validator: %w", err)
	}

	id, _ := doc[persistence.IdentityField].(string)
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, body) VALUES (?, ?)`, quoteIdent(collection)), id, string(body))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, &persistence.ConflictError{ResourceType: collection, ID: id}
		}
		return nil, fmt.Errorf("insert into %q failed: %w", collection, err)
	}
	return doc, nil
}

// FindOne returns the first document matching the filter, or (nil, nil) when
// none matches. Identity-equality filters hit the index directly.
func (s *Store) FindOne(ctx context.Context, collection string, filter *query.QueryFilter) (schema.Document, error) {
	if id, ok := identityEquality(filter); ok {
		var body string
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT body FROM %s WHERE id = ?`, quoteIdent(collection)), id).Scan(&body)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find in %q failed: %w", collection, err)
		}
		return decodeBody(body)
	}

	cursor, err := s.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		return cursor.Document()
	}
	return nil, cursor.Err()
}

// Find returns a lazy cursor over the documents matching the filter. Rows
// are decoded and matched one at a time as the cursor advances.
func (s *Store) Find(ctx context.Context, collection string, filter *query.QueryFilter) (persistence.DocumentCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT body FROM %s`, quoteIdent(collection)))
	if err != nil {
		return nil, fmt.Errorf("find in %q failed: %w", collection, err)
	}
	return &rowsCursor{rows: rows, filter: filter}, nil
}

// ReplaceOne replaces the first document matching the filter and returns the
// matched count.
func (s *Store) ReplaceOne(ctx context.Context, collection string, filter *query.QueryFilter, doc schema.Document) (int64, error) {
	spec, err := s.validator(ctx, collection)
	if err != nil {
		return 0, err
	}
	if err := persistence.CheckDocument(spec, doc); err != nil {
		return 0, fmt.Errorf("document rejected by validator: %w", err)
	}

	existing, err := s.FindOne(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode document: %w", err)
	}
	newID, _ := doc[persistence.IdentityField].(string)
	oldID, _ := existing[persistence.IdentityField].(string)

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET id = ?, body = ? WHERE id = ?`, quoteIdent(collection)),
		newID, string(body), oldID)
	if err != nil {
		return 0, fmt.Errorf("replace in %q failed: %w", collection, err)
	}
	return 1, nil
}

// DeleteOne deletes the first document matching the filter and returns the
// deleted count.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter *query.QueryFilter) (int64, error) {
	existing, err := s.FindOne(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, nil
	}

	id, _ := existing[persistence.IdentityField].(string)
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(collection)), id)
	if err != nil {
		return 0, fmt.Errorf("delete in %q failed: %w", collection, err)
	}
	return 1, nil
}

// rowsCursor walks a result set lazily, decoding and filtering one row per
// advance.
type rowsCursor struct {
	rows   *sql.Rows
	filter *query.QueryFilter
	doc    schema.Document
	err    error
}

func (c *rowsCursor) Next(_ context.Context) bool {
	if c.err != nil {
		return false
	}
	for c.rows.Next() {
		var body string
		if err := c.rows.Scan(&body); err != nil {
			c.err = fmt.Errorf("failed to scan row: %w", err)
			return false
		}
		doc, err := decodeBody(body)
		if err != nil {
			c.err = err
			return false
		}
		matched, err := query.Matches(doc, c.filter)
		if err != nil {
			c.err = err
			return false
		}
		if matched {
			c.doc = doc
			return true
		}
	}
	c.err = c.rows.Err()
	return false
}

func (c *rowsCursor) Document() (schema.Document, error) {
	if c.doc == nil {
		return nil, fmt.Errorf("cursor is not positioned on a document")
	}
	return c.doc, nil
}

func (c *rowsCursor) Err() error {
	return c.err
}

func (c *rowsCursor) Close(_ context.Context) error {
	return c.rows.Close()
}

func decodeBody(body string) (schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// identityEquality recognizes a bare id-equality filter so reads can use the
// identity index instead of a scan.
func identityEquality(filter *query.QueryFilter) (string, bool) {
	if filter == nil || filter.Condition == nil {
		return "", false
	}
	cond := filter.Condition
	if cond.Field != persistence.IdentityField || cond.Operator != query.ComparisonOperatorEq {
		return "", false
	}
	id, ok := cond.Value.(string)
	return id, ok
}

// quoteIdent quotes a SQL identifier. Collection names come from schema
// definitions, not users, but resource names may still collide with keywords.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
