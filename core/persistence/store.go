package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/asaidimu/go-fhirstore/core/query"
	"github.com/asaidimu/go-fhirstore/core/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoreState is the lifecycle state of a Store.
type StoreState string

const (
	// StateUnattached means no collections are known; only Bootstrap,
	// Resume, and Reset are usable.
	StateUnattached StoreState = "unattached"
	// StateReady means the store is attached to provisioned collections
	// and serves CRUD traffic.
	StateReady StoreState = "ready"
)

// Store is the aggregate handle over one document database: schema index,
// collection descriptors, and the CRUD surface. It is an explicit instance
// threaded through callers rather than a process singleton, so multiple
// isolated stores can coexist in one process.
//
// Bootstrap, Resume, and Reset are administrative and expected to run from a
// single caller, not concurrently with traffic; the descriptor set they
// install is read concurrently by any number of CRUD calls afterwards.
type Store struct {
	store       DocumentStore
	logger      *zap.Logger
	loader      *schema.Loader
	provisioner *Provisioner
	validator   *Validator

	bus           *events.TypedEventBus[StoreEvent]
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.RWMutex

	mu          sync.RWMutex
	state       StoreState
	index       *schema.Index
	descriptors map[string]*CollectionDescriptor
	maxDepth    int
}

// NewStore creates a Store over a document store backend. The store starts
// unattached; call Bootstrap or Resume before serving traffic. A nil logger
// defaults to a no-op logger.
func NewStore(ds DocumentStore, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	bus, err := events.NewTypedEventBus[StoreEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}

	return &Store{
		store:         ds,
		logger:        logger,
		loader:        schema.NewLoader(logger),
		provisioner:   NewProvisioner(ds, logger),
		validator:     NewValidator(logger),
		bus:           bus,
		subscriptions: make(map[string]*SubscriptionInfo),
		state:         StateUnattached,
		descriptors:   make(map[string]*CollectionDescriptor),
	}, nil
}

// State returns the current lifecycle state.
func (s *Store) State() StoreState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Bootstrap loads a schema definition, drops any previous collections for
// the types it names, and provisions fresh collections with validators and
// identity indexes. Loading failures leave the store untouched and
// unattached; a provisioning failure surfaces as a *BootstrapError and
// leaves the store partially provisioned until Reset is run.
func (s *Store) Bootstrap(ctx context.Context, def schema.Definition, maxDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.loader.Load(def)
	if err != nil {
		return fmt.Errorf("bootstrap aborted: %w", err)
	}

	if err := s.provisioner.Drop(ctx, ix); err != nil {
		return fmt.Errorf("bootstrap aborted: %w", err)
	}

	descriptors, err := s.provisioner.Provision(ctx, ix, maxDepth)
	if err != nil {
		s.state = StateUnattached
		return err
	}

	s.index = ix
	s.descriptors = descriptors
	s.maxDepth = maxDepth
	s.state = StateReady

	s.logger.Info("store bootstrapped",
		zap.Int("collections", len(descriptors)),
		zap.Int("maxDepth", maxDepth))
	s.emit(createEvent(StoreBootstrapped, "bootstrap", "", "", nil, len(descriptors), nil, time.Time{}))
	return nil
}

// Resume attaches to collections provisioned by an earlier Bootstrap,
// rebuilding descriptors from the validators configured on the store. The
// original schema definition is not needed. maxDepth is recorded on the
// handle so later administrative calls use the same truncation depth.
func (s *Store) Resume(ctx context.Context, maxDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	descriptors, err := s.provisioner.Reconstruct(ctx)
	if err != nil {
		return err
	}

	s.index = nil
	s.descriptors = descriptors
	s.maxDepth = maxDepth
	s.state = StateReady

	s.logger.Info("store resumed", zap.Int("collections", len(descriptors)))
	s.emit(createEvent(StoreResumed, "resume", "", "", nil, len(descriptors), nil, time.Time{}))
	return nil
}

// Reset drops every collection in the database and returns the store to the
// unattached state. The underlying connection stays valid.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.provisioner.DropAll(ctx); err != nil {
		return err
	}

	s.index = nil
	s.descriptors = make(map[string]*CollectionDescriptor)
	s.state = StateUnattached

	s.logger.Info("store reset")
	s.emit(createEvent(StoreResetDone, "reset", "", "", nil, nil, nil, time.Time{}))
	return nil
}

// Descriptor returns the collection descriptor for a resource type.
func (s *Store) Descriptor(resourceType string) (*CollectionDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateReady {
		return nil, fmt.Errorf("store is not attached: run bootstrap or resume first")
	}
	descriptor, ok := s.descriptors[resourceType]
	if !ok {
		return nil, &NotFoundError{ResourceType: resourceType}
	}
	return descriptor, nil
}

// ResourceTypes returns the resource types currently served, sorted.
func (s *Store) ResourceTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.descriptors))
	for name := range s.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create validates and inserts a new resource. The resource type is taken
// from the document's own tag; an id is generated when the document carries
// none. A duplicate id yields a *ConflictError: the engine pre-checks with a
// read for a friendly early error, and converts the store's duplicate-key
// rejection when two creates race past the pre-check.
func (s *Store) Create(ctx context.Context, doc schema.Document) (schema.Document, error) {
	tag, _ := doc[ResourceTypeField].(string)
	result, err := s.withEvents("create", ResourceCreateStart, ResourceCreateSuccess, ResourceCreateFailed,
		tag, "", doc, func() (any, error) {
			return s.create(ctx, doc)
		})
	if err != nil {
		return nil, err
	}
	return result.(schema.Document), nil
}

func (s *Store) create(ctx context.Context, doc schema.Document) (schema.Document, error) {
	tag, ok := doc[ResourceTypeField].(string)
	if !ok || tag == "" {
		return nil, &ValidationError{Field: ResourceTypeField, Reason: "resource type tag is missing"}
	}
	descriptor, err := s.Descriptor(tag)
	if err != nil {
		return nil, err
	}

	resource := cloneDocument(doc)
	if _, present := resource[descriptor.IdentityField]; !present {
		resource[descriptor.IdentityField] = uuid.NewString()
	}
	if err := s.validator.Validate(descriptor, resource); err != nil {
		return nil, err
	}

	id := resource[descriptor.IdentityField].(string)
	existing, err := s.store.FindOne(ctx, descriptor.Name, query.Where(descriptor.IdentityField).Eq(id))
	if err != nil {
		return nil, fmt.Errorf("conflict pre-check failed for %q: %w", descriptor.Name, err)
	}
	if existing != nil {
		return nil, &ConflictError{ResourceType: descriptor.Name, ID: id}
	}

	stored, err := s.store.InsertOne(ctx, descriptor.Name, resource)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// Two creates raced past the pre-check; the unique identity
			// index decided, as designed.
			return nil, &ConflictError{ResourceType: descriptor.Name, ID: id}
		}
		return nil, fmt.Errorf("failed to insert into %q: %w", descriptor.Name, err)
	}
	return stored, nil
}

// Read returns the resource with the given type and id.
func (s *Store) Read(ctx context.Context, resourceType, id string) (schema.Document, error) {
	descriptor, err := s.Descriptor(resourceType)
	if err != nil {
		return nil, err
	}

	doc, err := s.store.FindOne(ctx, descriptor.Name, query.Where(descriptor.IdentityField).Eq(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read from %q: %w", descriptor.Name, err)
	}
	if doc == nil {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	return doc, nil
}

// Update fully replaces the body of an existing resource, preserving its id
// and resource-type tag. A body carrying a different id or tag is rejected
// with a *ValidationError rather than silently rewritten.
func (s *Store) Update(ctx context.Context, resourceType, id string, doc schema.Document) (schema.Document, error) {
	result, err := s.withEvents("update", ResourceUpdateStart, ResourceUpdateSuccess, ResourceUpdateFailed,
		resourceType, id, doc, func() (any, error) {
			return s.replace(ctx, resourceType, id, doc, false)
		})
	if err != nil {
		return nil, err
	}
	return result.(schema.Document), nil
}

// Patch merges the given top-level fields into an existing resource and
// stores the result. Identity fields follow the same immutability rule as
// Update.
func (s *Store) Patch(ctx context.Context, resourceType, id string, patch schema.Document) (schema.Document, error) {
	result, err := s.withEvents("patch", ResourcePatchStart, ResourcePatchSuccess, ResourcePatchFailed,
		resourceType, id, patch, func() (any, error) {
			return s.replace(ctx, resourceType, id, patch, true)
		})
	if err != nil {
		return nil, err
	}
	return result.(schema.Document), nil
}

func (s *Store) replace(ctx context.Context, resourceType, id string, doc schema.Document, merge bool) (schema.Document, error) {
	descriptor, err := s.Descriptor(resourceType)
	if err != nil {
		return nil, err
	}
	if err := checkIdentity(descriptor.IdentityField, id); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateUpdate(descriptor, id, doc); err != nil {
		return nil, err
	}

	var resource schema.Document
	if merge {
		existing, err := s.store.FindOne(ctx, descriptor.Name, query.Where(descriptor.IdentityField).Eq(id))
		if err != nil {
			return nil, fmt.Errorf("failed to read from %q: %w", descriptor.Name, err)
		}
		if existing == nil {
			return nil, &NotFoundError{ResourceType: resourceType, ID: id}
		}
		resource = cloneDocument(existing)
		for field, value := range doc {
			resource[field] = value
		}
	} else {
		resource = cloneDocument(doc)
	}
	resource[descriptor.IdentityField] = id
	resource[ResourceTypeField] = descriptor.Name

	if err := s.validator.Validate(descriptor, resource); err != nil {
		return nil, err
	}

	matched, err := s.store.ReplaceOne(ctx, descriptor.Name, query.Where(descriptor.IdentityField).Eq(id), resource)
	if err != nil {
		return nil, fmt.Errorf("failed to replace in %q: %w", descriptor.Name, err)
	}
	if matched == 0 {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	return resource, nil
}

// Delete removes the resource with the given type and id and returns the
// count actually removed. A count of zero maps to *NotFoundError, so a
// repeated delete surfaces "nothing happened" while staying harmless.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (int64, error) {
	result, err := s.withEvents("delete", ResourceDeleteStart, ResourceDeleteSuccess, ResourceDeleteFailed,
		resourceType, id, nil, func() (any, error) {
			descriptor, err := s.Descriptor(resourceType)
			if err != nil {
				return nil, err
			}
			count, err := s.store.DeleteOne(ctx, descriptor.Name, query.Where(descriptor.IdentityField).Eq(id))
			if err != nil {
				return nil, fmt.Errorf("failed to delete from %q: %w", descriptor.Name, err)
			}
			if count == 0 {
				return nil, &NotFoundError{ResourceType: resourceType, ID: id}
			}
			return count, nil
		})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Search returns a lazy cursor over the resources of one type matching the
// filter. A nil filter scans the whole collection. Every call starts a fresh
// scan; abandon one early by closing the cursor.
func (s *Store) Search(ctx context.Context, resourceType string, filter *query.QueryFilter) (DocumentCursor, error) {
	descriptor, err := s.Descriptor(resourceType)
	if err != nil {
		return nil, err
	}
	cursor, err := s.store.Find(ctx, descriptor.Name, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", descriptor.Name, err)
	}
	return cursor, nil
}

// RegisterSubscription registers a callback for a store event and returns an
// id usable with UnregisterSubscription.
func (s *Store) RegisterSubscription(options RegisterSubscriptionOptions) string {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	unsubscribe := s.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	s.subscriptions[id] = &SubscriptionInfo{
		Event:       options.Event,
		Label:       options.Label,
		Description: options.Description,
		Unsubscribe: unsubscribe,
	}
	return id
}

// UnregisterSubscription removes a subscription by its id.
func (s *Store) UnregisterSubscription(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if info, ok := s.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(s.subscriptions, id)
	}
}

// Subscriptions returns all currently active subscriptions.
func (s *Store) Subscriptions() []SubscriptionInfo {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	subs := make([]SubscriptionInfo, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

func (s *Store) emit(event StoreEvent) {
	if s.bus != nil {
		s.bus.Emit(string(event.Type), event)
	}
}

// withEvents wraps an operation with start, success, and failure events.
func (s *Store) withEvents(
	operation string,
	startType, successType, failedType StoreEventType,
	resourceType, resourceID string,
	input any,
	fn func() (any, error),
) (any, error) {
	startTime := time.Now()
	s.emit(createEvent(startType, operation, resourceType, resourceID, input, nil, nil, startTime))

	result, err := fn()
	if err != nil {
		errStr := err.Error()
		s.emit(createEvent(failedType, operation, resourceType, resourceID, input, nil, &errStr, startTime))
		return nil, err
	}

	s.emit(createEvent(successType, operation, resourceType, resourceID, input, result, nil, startTime))
	return result, nil
}

func cloneDocument(doc schema.Document) schema.Document {
	out := make(schema.Document, len(doc)+1)
	for field, value := range doc {
		out[field] = value
	}
	return out
}
