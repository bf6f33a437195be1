// Package mongo implements the document-store interface on MongoDB. Each
// collection is created with a $jsonSchema validator and a unique index on
// the identity field, so the database itself rejects malformed documents and
// concurrent identity conflicts. Validators are read back from collection
// metadata during resume.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/asaidimu/go-fhirstore/core/persistence"
	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
)

// Store is a persistence.DocumentStore backed by one MongoDB database.
type Store struct {
	db     *mongo.Database
	logger *zap.Logger
}

var _ persistence.DocumentStore = (*Store)(nil)

// NewStore creates a Store over an existing database handle. A nil logger
// defaults to a no-op logger.
func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateCollection creates the collection with its $jsonSchema validator and
// a unique index on the identity field. The validator gets an extra _id
// property so documents carrying the driver-generated object id still pass.
func (s *Store) CreateCollection(ctx context.Context, descriptor *persistence.CollectionDescriptor) error {
	spec := make(bson.M, len(descriptor.Spec))
	for k, v := range descriptor.Spec {
		spec[k] = v
	}
	if props, ok := spec["properties"].(map[string]any); ok {
		withID := make(map[string]any, len(props)+1)
		for k, v := range props {
			withID[k] = v
		}
		withID["_id"] = map[string]any{"bsonType": "objectId"}
		spec["properties"] = withID
	}

	opts := options.CreateCollection().SetValidator(bson.M{"$jsonSchema": spec})
	if err := s.db.CreateCollection(ctx, descriptor.Name, opts); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", descriptor.Name, err)
	}

	_, err := s.db.Collection(descriptor.Name).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: descriptor.IdentityField, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to index %q on %q: %w", descriptor.Name, descriptor.IdentityField, err)
	}

	s.logger.Debug("collection created",
		zap.String("collection", descriptor.Name),
		zap.String("identityField", descriptor.IdentityField))
	return nil
}

// DropCollection drops a collection. Dropping a missing collection is a
// no-op, matching the driver's behavior.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.db.Collection(name).Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop collection %q: %w", name, err)
	}
	return nil
}

// ListCollections returns the names of all collections in the database.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// CollectionValidator reads back the $jsonSchema validator configured on a
// collection, stripping the _id property added at creation. Returns nil when
// the collection has no validator.
func (s *Store) CollectionValidator(ctx context.Context, name string) (persistence.ValidatorSpec, error) {
	specs, err := s.db.ListCollectionSpecifications(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect collection %q: %w", name, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}

	var opts struct {
		Validator map[string]any `bson:"validator"`
	}
	if err := bson.Unmarshal(specs[0].Options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options for %q: %w", name, err)
	}

	raw, ok := opts.Validator["$jsonSchema"]
	if !ok {
		return nil, nil
	}
	spec, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("validator on %q is not a document", name)
	}
	if props, ok := spec["properties"].(map[string]any); ok {
		delete(props, "_id")
	}
	return persistence.ValidatorSpec(spec), nil
}

// InsertOne inserts a document. A duplicate on the unique identity index
// surfaces as *persistence.ConflictError.
func (s *Store) InsertOne(ctx context.Context, collection string, doc schema.Document) (schema.Document, error) {
	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			id, _ := doc[persistence.IdentityField].(string)
			return nil, &persistence.ConflictError{ResourceType: collection, ID: id}
		}
		return nil, fmt.Errorf("insert into %q failed: %w", collection, err)
	}
	return doc, nil
}

// FindOne returns the first document matching the filter, or (nil, nil) when
// none matches. The internal _id is never returned.
func (s *Store) FindOne(ctx context.Context, collection string, filter *query.QueryFilter) (schema.Document, error) {
	match, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	err = s.db.Collection(collection).
		FindOne(ctx, match, options.FindOne().SetProjection(bson.M{"_id": 0})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find in %q failed: %w", collection, err)
	}
	return normalizeDocument(doc), nil
}

// Find returns a cursor over all documents matching the filter.
func (s *Store) Find(ctx context.Context, collection string, filter *query.QueryFilter) (persistence.DocumentCursor, error) {
	match, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	cursor, err := s.db.Collection(collection).
		Find(ctx, match, options.Find().SetProjection(bson.M{"_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("find in %q failed: %w", collection, err)
	}
	return &documentCursor{cursor: cursor}, nil
}

// ReplaceOne replaces the first document matching the filter and returns the
// matched count.
func (s *Store) ReplaceOne(ctx context.Context, collection string, filter *query.QueryFilter, doc schema.Document) (int64, error) {
	match, err := toBSON(filter)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Collection(collection).ReplaceOne(ctx, match, doc)
	if err != nil {
		return 0, fmt.Errorf("replace in %q failed: %w", collection, err)
	}
	return result.MatchedCount, nil
}

// DeleteOne deletes the first document matching the filter and returns the
// deleted count.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter *query.QueryFilter) (int64, error) {
	match, err := toBSON(filter)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Collection(collection).DeleteOne(ctx, match)
	if err != nil {
		return 0, fmt.Errorf("delete in %q failed: %w", collection, err)
	}
	return result.DeletedCount, nil
}

// documentCursor adapts a driver cursor to persistence.DocumentCursor.
type documentCursor struct {
	cursor *mongo.Cursor
}

func (c *documentCursor) Next(ctx context.Context) bool {
	return c.cursor.Next(ctx)
}

func (c *documentCursor) Document() (schema.Document, error) {
	var doc map[string]any
	if err := c.cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return normalizeDocument(doc), nil
}

func (c *documentCursor) Err() error {
	return c.cursor.Err()
}

func (c *documentCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}

func normalizeDocument(doc map[string]any) schema.Document {
	out := make(schema.Document, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

// normalize converts the driver's decoded BSON forms into plain maps and
// slices so documents round-trip as schema.Document.
func normalize(value any) any {
	switch v := value.(type) {
	case primitive.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	case primitive.A:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	case primitive.ObjectID:
		return v.Hex()
	default:
		return value
	}
}
