package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const storeDefinition = `{
	"definitions": {
		"Patient": {
			"properties": {
				"resourceType": {"const": "Patient"},
				"id": {"type": "string"},
				"active": {"type": "boolean"},
				"gender": {"enum": ["male", "female", "other", "unknown"]},
				"name": {"items": {"$ref": "#/definitions/HumanName"}},
				"managingOrganization": {"$ref": "#/definitions/Reference"}
			}
		},
		"Organization": {
			"properties": {
				"resourceType": {"const": "Organization"},
				"id": {"type": "string"},
				"name": {"type": "string"},
				"partOf": {"$ref": "#/definitions/Reference"}
			}
		},
		"HumanName": {
			"properties": {
				"family": {"type": "string"},
				"given": {"items": {"type": "string"}}
			}
		},
		"Reference": {
			"properties": {
				"reference": {"type": "string"},
				"display": {"type": "string"}
			}
		}
	}
}`

func newTestStore(t *testing.T) (*Store, *memStore) {
	t.Helper()
	backend := newMemStore()
	store, err := NewStore(backend, zap.NewNop())
	require.NoError(t, err)
	return store, backend
}

func bootstrapTestStore(t *testing.T) (*Store, *memStore) {
	t.Helper()
	store, backend := newTestStore(t)
	def, err := schema.ParseDefinition([]byte(storeDefinition))
	require.NoError(t, err)
	require.NoError(t, store.Bootstrap(context.Background(), def, 3))
	return store, backend
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	assert.Equal(t, StateUnattached, store.State())

	_, err := store.Read(ctx, "Patient", "p1")
	assert.ErrorContains(t, err, "not attached")

	def, err := schema.ParseDefinition([]byte(storeDefinition))
	require.NoError(t, err)
	require.NoError(t, store.Bootstrap(ctx, def, 3))

	assert.Equal(t, StateReady, store.State())
	assert.Equal(t, []string{"Organization", "Patient"}, store.ResourceTypes())

	require.NoError(t, store.Reset(ctx))
	assert.Equal(t, StateUnattached, store.State())
	assert.Empty(t, store.ResourceTypes())

	_, err = store.Read(ctx, "Patient", "p1")
	assert.ErrorContains(t, err, "not attached")
}

func TestStore_BootstrapRejectsBadDefinition(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)

	def, err := schema.ParseDefinition([]byte(`{
		"definitions": {
			"Patient": {
				"properties": {
					"resourceType": {"const": "Patient"},
					"link": {"$ref": "#/definitions/Missing"}
				}
			}
		}
	}`))
	require.NoError(t, err)

	err = store.Bootstrap(ctx, def, 3)
	var parseErr *schema.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, StateUnattached, store.State())

	names, err := backend.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "a rejected definition must not touch the backend")
}

func TestStore_BootstrapReplacesPreviousContent(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1"})
	require.NoError(t, err)

	def, err := schema.ParseDefinition([]byte(storeDefinition))
	require.NoError(t, err)
	require.NoError(t, store.Bootstrap(ctx, def, 3))

	_, err = store.Read(ctx, "Patient", "p1")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound, "bootstrap must start from a clean slate")
}

// faultyStore rejects provisioning of one named collection.
type faultyStore struct {
	*memStore
	rejects string
}

func (f *faultyStore) CreateCollection(ctx context.Context, descriptor *CollectionDescriptor) error {
	if descriptor.Name == f.rejects {
		return fmt.Errorf("collection limit reached")
	}
	return f.memStore.CreateCollection(ctx, descriptor)
}

func TestStore_BootstrapPartialProvisioningFailure(t *testing.T) {
	ctx := context.Background()
	backend := &faultyStore{memStore: newMemStore(), rejects: "Patient"}
	store, err := NewStore(backend, zap.NewNop())
	require.NoError(t, err)

	def, err := schema.ParseDefinition([]byte(storeDefinition))
	require.NoError(t, err)

	err = store.Bootstrap(ctx, def, 3)
	var bootErr *BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, "Patient", bootErr.Collection)
	assert.Equal(t, StateUnattached, store.State())

	// There is no rollback: collections provisioned before the failure stay
	// in place until the operator resets.
	names, err := backend.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Organization"}, names)

	require.NoError(t, store.Reset(ctx))
	names, err = backend.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_Resume(t *testing.T) {
	ctx := context.Background()
	store, backend := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1", "active": true})
	require.NoError(t, err)

	resumed, err := NewStore(backend, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, resumed.Resume(ctx, 3))

	assert.Equal(t, StateReady, resumed.State())
	assert.Equal(t, []string{"Organization", "Patient"}, resumed.ResourceTypes())

	doc, err := resumed.Read(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, true, doc["active"])

	// Reconstructed descriptors still enforce identity conflicts.
	_, err = resumed.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1"})
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestStore_ResumeEmptyBackend(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Resume(context.Background(), 3)
	var resumeErr *ResumeError
	require.ErrorAs(t, err, &resumeErr)
	assert.Equal(t, StateUnattached, store.State())
}

func TestStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	t.Run("generates an id when the document has none", func(t *testing.T) {
		created, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "active": true})
		require.NoError(t, err)
		id, ok := created["id"].(string)
		require.True(t, ok)
		assert.NotEmpty(t, id)

		doc, err := store.Read(ctx, "Patient", id)
		require.NoError(t, err)
		assert.Equal(t, true, doc["active"])
	})

	t.Run("keeps a caller-supplied id", func(t *testing.T) {
		created, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p-explicit"})
		require.NoError(t, err)
		assert.Equal(t, "p-explicit", created["id"])
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p-explicit"})
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "Patient", conflict.ResourceType)
		assert.Equal(t, "p-explicit", conflict.ID)
	})

	t.Run("does not mutate the caller's document", func(t *testing.T) {
		doc := schema.Document{"resourceType": "Patient"}
		_, err := store.Create(ctx, doc)
		require.NoError(t, err)
		_, present := doc["id"]
		assert.False(t, present)
	})

	t.Run("read of a missing id is not found", func(t *testing.T) {
		_, err := store.Read(ctx, "Patient", "nope")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "Patient", notFound.ResourceType)
		assert.Equal(t, "nope", notFound.ID)
	})
}

func TestStore_IdentityScopedPerResourceType(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "shared"})
	require.NoError(t, err)

	// Ids are a unique key within a collection, not across the store, so the
	// same id under another resource type is a second document.
	_, err = store.Create(ctx, schema.Document{"resourceType": "Organization", "id": "shared", "name": "Org"})
	require.NoError(t, err)

	_, err = store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "shared"})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Patient", conflict.ResourceType)
	assert.Equal(t, "shared", conflict.ID)
}

func TestStore_CreateValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	t.Run("missing resource type tag", func(t *testing.T) {
		_, err := store.Create(ctx, schema.Document{"active": true})
		var invalid *ValidationError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "resourceType", invalid.Field)
	})

	t.Run("unknown resource type", func(t *testing.T) {
		_, err := store.Create(ctx, schema.Document{"resourceType": "Device"})
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "Device", notFound.ResourceType)
	})

	t.Run("id with whitespace", func(t *testing.T) {
		_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p 1"})
		var invalid *ValidationError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("enum violation is caught by the collection validator", func(t *testing.T) {
		_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "gender": "robot"})
		require.Error(t, err)
		assert.ErrorContains(t, err, "rejected by validator")
	})
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1", "active": true, "gender": "male"})
	require.NoError(t, err)

	t.Run("replaces the whole body", func(t *testing.T) {
		updated, err := store.Update(ctx, "Patient", "p1", schema.Document{"gender": "female"})
		require.NoError(t, err)
		assert.Equal(t, "female", updated["gender"])
		assert.Equal(t, "p1", updated["id"])
		assert.Equal(t, "Patient", updated["resourceType"])

		doc, err := store.Read(ctx, "Patient", "p1")
		require.NoError(t, err)
		_, present := doc["active"]
		assert.False(t, present, "update is a full replace, not a merge")
	})

	t.Run("rejects a body with a different id", func(t *testing.T) {
		_, err := store.Update(ctx, "Patient", "p1", schema.Document{"id": "p2"})
		var invalid *ValidationError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "id", invalid.Field)
	})

	t.Run("rejects a body with a different resource type", func(t *testing.T) {
		_, err := store.Update(ctx, "Patient", "p1", schema.Document{"resourceType": "Organization"})
		var invalid *ValidationError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "resourceType", invalid.Field)
	})

	t.Run("missing resource is not found", func(t *testing.T) {
		_, err := store.Update(ctx, "Patient", "nope", schema.Document{"active": false})
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestStore_Patch(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1", "active": true, "gender": "male"})
	require.NoError(t, err)

	t.Run("merges into the existing body", func(t *testing.T) {
		patched, err := store.Patch(ctx, "Patient", "p1", schema.Document{"gender": "other"})
		require.NoError(t, err)
		assert.Equal(t, "other", patched["gender"])
		assert.Equal(t, true, patched["active"], "fields outside the patch survive")

		doc, err := store.Read(ctx, "Patient", "p1")
		require.NoError(t, err)
		assert.Equal(t, "other", doc["gender"])
	})

	t.Run("rejects an identity rewrite", func(t *testing.T) {
		_, err := store.Patch(ctx, "Patient", "p1", schema.Document{"id": "p2"})
		var invalid *ValidationError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("missing resource is not found", func(t *testing.T) {
		_, err := store.Patch(ctx, "Patient", "nope", schema.Document{"active": false})
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1"})
	require.NoError(t, err)

	count, err := store.Delete(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = store.Read(ctx, "Patient", "p1")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	// Deleting again reports not found but leaves the store unharmed.
	_, err = store.Delete(ctx, "Patient", "p1")
	require.ErrorAs(t, err, &notFound)

	_, err = store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1"})
	assert.NoError(t, err)
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	for _, doc := range []schema.Document{
		{"resourceType": "Patient", "id": "p1", "gender": "male", "active": true},
		{"resourceType": "Patient", "id": "p2", "gender": "female", "active": true},
		{"resourceType": "Patient", "id": "p3", "gender": "female", "active": false},
	} {
		_, err := store.Create(ctx, doc)
		require.NoError(t, err)
	}

	collect := func(t *testing.T, filter *query.QueryFilter) []string {
		t.Helper()
		cursor, err := store.Search(ctx, "Patient", filter)
		require.NoError(t, err)
		defer cursor.Close(ctx)

		var ids []string
		for cursor.Next(ctx) {
			doc, err := cursor.Document()
			require.NoError(t, err)
			ids = append(ids, doc["id"].(string))
		}
		require.NoError(t, cursor.Err())
		return ids
	}

	t.Run("nil filter scans everything", func(t *testing.T) {
		assert.Len(t, collect(t, nil), 3)
	})

	t.Run("condition filter", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"p2", "p3"}, collect(t, query.Where("gender").Eq("female")))
	})

	t.Run("group filter", func(t *testing.T) {
		filter := query.And(
			query.Where("gender").Eq("female"),
			query.Where("active").Eq(true),
		)
		assert.Equal(t, []string{"p2"}, collect(t, filter))
	})

	t.Run("unknown resource type", func(t *testing.T) {
		_, err := store.Search(ctx, "Device", nil)
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "Device", notFound.ResourceType)
	})
}

func TestStore_DepthTruncationStaysLenient(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	def, err := schema.ParseDefinition([]byte(storeDefinition))
	require.NoError(t, err)
	require.NoError(t, store.Bootstrap(ctx, def, 0))

	// With depth 0 every reference collapses to an unconstrained fragment, so
	// arbitrary shapes under them must pass.
	_, err = store.Create(ctx, schema.Document{
		"resourceType":         "Patient",
		"id":                   "p1",
		"managingOrganization": schema.Document{"anything": []any{1, "two", nil}},
	})
	require.NoError(t, err)

	// Top-level constraints still hold.
	_, err = store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p2", "gender": "robot"})
	assert.Error(t, err)
}

func TestStore_Subscriptions(t *testing.T) {
	ctx := context.Background()
	store, _ := bootstrapTestStore(t)

	received := make(chan StoreEvent, 4)
	id := store.RegisterSubscription(RegisterSubscriptionOptions{
		Event: ResourceCreateSuccess,
		Callback: func(_ context.Context, event StoreEvent) error {
			received <- event
			return nil
		},
	})
	require.NotEmpty(t, id)
	assert.Len(t, store.Subscriptions(), 1)

	_, err := store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p1"})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, ResourceCreateSuccess, event.Type)
		assert.Equal(t, "create", event.Operation)
		require.NotNil(t, event.ResourceType)
		assert.Equal(t, "Patient", *event.ResourceType)
	case <-time.After(2 * time.Second):
		t.Fatal("no create event received")
	}

	store.UnregisterSubscription(id)
	assert.Empty(t, store.Subscriptions())

	_, err = store.Create(ctx, schema.Document{"resourceType": "Patient", "id": "p2"})
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("unexpected event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
