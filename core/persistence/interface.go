// Package persistence maps typed resources onto collections in a generic
// JSON-document database. It provisions one physical collection per resource
// type from a loaded schema index, validates documents before every mutation,
// and translates resource-oriented CRUD calls into document-store operations.
package persistence

import (
	"context"

	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
)

// IdentityField is the attribute serving as a resource's unique key within
// its collection.
const IdentityField = "id"

// ResourceTypeField is the tag naming the resource type of a document.
const ResourceTypeField = "resourceType"

// ValidatorSpec is the structural validation document configured on a
// collection, expressed in the JSON-schema draft 4 subset that document
// stores such as MongoDB enforce natively.
type ValidatorSpec map[string]any

// DocumentStore is the generic document database consumed by this package.
// Implementations translate these calls into their native dialect; they must
// treat dropping a missing collection as a no-op, return (nil, nil) from
// FindOne when nothing matches, and surface a duplicate value on a
// collection's unique identity index as a *ConflictError. Timeouts and
// cancellation are carried by the context; no retry logic belongs here.
type DocumentStore interface {
	CreateCollection(ctx context.Context, descriptor *CollectionDescriptor) error
	DropCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	// CollectionValidator returns the validator configured on a collection,
	// or nil when the collection has none.
	CollectionValidator(ctx context.Context, name string) (ValidatorSpec, error)

	InsertOne(ctx context.Context, collection string, doc schema.Document) (schema.Document, error)
	FindOne(ctx context.Context, collection string, filter *query.QueryFilter) (schema.Document, error)
	Find(ctx context.Context, collection string, filter *query.QueryFilter) (DocumentCursor, error)
	ReplaceOne(ctx context.Context, collection string, filter *query.QueryFilter, doc schema.Document) (int64, error)
	DeleteOne(ctx context.Context, collection string, filter *query.QueryFilter) (int64, error)
}

// DocumentCursor is a lazy sequence of documents produced by Find. A cursor
// is finite and single-use; abandon a scan by closing the cursor instead of
// draining it. Each Find call starts a fresh scan.
type DocumentCursor interface {
	// Next advances the cursor and reports whether a document is available.
	Next(ctx context.Context) bool
	// Document returns the document at the current position.
	Document() (schema.Document, error)
	// Err returns the first error encountered during iteration.
	Err() error
	Close(ctx context.Context) error
}
