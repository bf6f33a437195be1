package persistence

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-fhirstore/core/schema"
	"go.uber.org/zap"
)

// Provisioner turns a schema index into physical collections and back. It
// owns the create/drop/list calls against the document store; the Store
// sequences it during bootstrap, resume, and reset.
type Provisioner struct {
	store  DocumentStore
	logger *zap.Logger
}

// NewProvisioner creates a Provisioner. A nil logger defaults to a no-op
// logger.
func NewProvisioner(store DocumentStore, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{store: store, logger: logger}
}

// Provision derives a descriptor for every resource type in the index and
// creates the corresponding collection with its validator and identity
// index. A failure partway through returns a *BootstrapError; collections
// created before the failure are left in place.
func (p *Provisioner) Provision(ctx context.Context, ix *schema.Index, maxDepth int) (map[string]*CollectionDescriptor, error) {
	descriptors := make(map[string]*CollectionDescriptor)
	for _, resourceType := range ix.Resources() {
		descriptor, err := BuildDescriptor(ix, resourceType, maxDepth)
		if err != nil {
			return nil, &BootstrapError{Collection: resourceType, Err: err}
		}
		if err := p.store.CreateCollection(ctx, descriptor); err != nil {
			return nil, &BootstrapError{Collection: resourceType, Err: err}
		}
		descriptors[resourceType] = descriptor
		p.logger.Debug("collection provisioned",
			zap.String("collection", resourceType),
			zap.Int("maxDepth", maxDepth))
	}
	return descriptors, nil
}

// Drop removes the collection of every resource type in the index. Dropping
// a collection that does not exist is not an error, so Drop is idempotent.
func (p *Provisioner) Drop(ctx context.Context, ix *schema.Index) error {
	for _, resourceType := range ix.Resources() {
		if err := p.store.DropCollection(ctx, resourceType); err != nil {
			return fmt.Errorf("failed to drop collection %q: %w", resourceType, err)
		}
	}
	return nil
}

// DropAll removes every collection currently present in the store,
// discoverable or not from a schema index. Used by reset.
func (p *Provisioner) DropAll(ctx context.Context) error {
	names, err := p.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range names {
		if err := p.store.DropCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to drop collection %q: %w", name, err)
		}
	}
	return nil
}

// Reconstruct rebuilds descriptors from collections already provisioned in
// the store, by reading back each collection's configured validator. It does
// not need the original schema definition. A listed collection whose
// validator carries no recognizable identity-field constraint fails the whole
// reconstruction with a *ResumeError, as does an empty store.
func (p *Provisioner) Reconstruct(ctx context.Context) (map[string]*CollectionDescriptor, error) {
	names, err := p.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	if len(names) == 0 {
		return nil, &ResumeError{Reason: "no provisioned collections found"}
	}

	descriptors := make(map[string]*CollectionDescriptor, len(names))
	for _, name := range names {
		spec, err := p.store.CollectionValidator(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read validator for %q: %w", name, err)
		}
		descriptor, err := DecodeDescriptor(name, spec)
		if err != nil {
			return nil, &ResumeError{Collection: name, Reason: err.Error()}
		}
		descriptors[name] = descriptor
		p.logger.Debug("collection descriptor reconstructed", zap.String("collection", name))
	}
	return descriptors, nil
}
