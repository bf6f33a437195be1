package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
)

// memStore is an in-memory DocumentStore used by the package tests. It honors
// the interface contract: drop of a missing collection is a no-op, a duplicate
// identity insert returns *ConflictError, and the configured validator spec is
// enforced on insert and replace.
type memStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
}

type memCollection struct {
	descriptor *CollectionDescriptor
	docs       []schema.Document
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string]*memCollection)}
}

func (m *memStore) CreateCollection(_ context.Context, descriptor *CollectionDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[descriptor.Name]; ok {
		return fmt.Errorf("collection %q already exists", descriptor.Name)
	}
	m.collections[descriptor.Name] = &memCollection{descriptor: descriptor}
	return nil
}

func (m *memStore) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *memStore) ListCollections(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memStore) CollectionValidator(_ context.Context, name string) (ValidatorSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return coll.descriptor.Spec, nil
}

func (m *memStore) InsertOne(_ context.Context, collection string, doc schema.Document) (schema.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}
	if err := CheckDocument(coll.descriptor.Spec, doc); err != nil {
		return nil, fmt.Errorf("document rejected by validator: %w", err)
	}
	id, _ := doc[coll.descriptor.IdentityField].(string)
	for _, existing := range coll.docs {
		if existing[coll.descriptor.IdentityField] == id {
			return nil, &ConflictError{ResourceType: collection, ID: id}
		}
	}
	coll.docs = append(coll.docs, doc)
	return doc, nil
}

func (m *memStore) FindOne(_ context.Context, collection string, filter *query.QueryFilter) (schema.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}
	for _, doc := range coll.docs {
		matched, err := query.Matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if matched {
			return doc, nil
		}
	}
	return nil, nil
}

func (m *memStore) Find(_ context.Context, collection string, filter *query.QueryFilter) (DocumentCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}
	var matches []schema.Document
	for _, doc := range coll.docs {
		matched, err := query.Matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, doc)
		}
	}
	return &memCursor{docs: matches}, nil
}

func (m *memStore) ReplaceOne(_ context.Context, collection string, filter *query.QueryFilter, doc schema.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return 0, fmt.Errorf("collection %q does not exist", collection)
	}
	if err := CheckDocument(coll.descriptor.Spec, doc); err != nil {
		return 0, fmt.Errorf("document rejected by validator: %w", err)
	}
	for i, existing := range coll.docs {
		matched, err := query.Matches(existing, filter)
		if err != nil {
			return 0, err
		}
		if matched {
			coll.docs[i] = doc
			return 1, nil
		}
	}
	return 0, nil
}

func (m *memStore) DeleteOne(_ context.Context, collection string, filter *query.QueryFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return 0, fmt.Errorf("collection %q does not exist", collection)
	}
	for i, existing := range coll.docs {
		matched, err := query.Matches(existing, filter)
		if err != nil {
			return 0, err
		}
		if matched {
			coll.docs = append(coll.docs[:i], coll.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

type memCursor struct {
	docs []schema.Document
	pos  int
}

func (c *memCursor) Next(_ context.Context) bool {
	c.pos++
	return c.pos <= len(c.docs)
}

func (c *memCursor) Document() (schema.Document, error) {
	if c.pos < 1 || c.pos > len(c.docs) {
		return nil, fmt.Errorf("cursor is not positioned on a document")
	}
	return c.docs[c.pos-1], nil
}

func (c *memCursor) Err() error { return nil }

func (c *memCursor) Close(_ context.Context) error { return nil }

var _ DocumentStore = (*memStore)(nil)
var _ DocumentCursor = (*memCursor)(nil)
