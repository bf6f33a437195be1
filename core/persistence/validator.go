package persistence

import (
	"fmt"
	"strings"

	"github.com/asaidimu/go-fhirstore/core/schema"
	"go.uber.org/zap"
)

// Validator runs the advisory pre-mutation checks: resource-type tag
// equality, required top-level fields, and identity immutability on updates.
// The store's own structural validator, configured during provisioning, is
// the enforcement backstop; this layer exists to return an early, precise,
// typed error instead of the store's generic rejection.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a Validator. A nil logger defaults to a no-op logger.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger}
}

// Validate checks a candidate document against a collection descriptor.
func (v *Validator) Validate(descriptor *CollectionDescriptor, doc schema.Document) error {
	tag, ok := doc[ResourceTypeField].(string)
	if !ok || tag == "" {
		return &ValidationError{Field: ResourceTypeField, Reason: "resource type tag is missing"}
	}
	if tag != descriptor.Name {
		return &ValidationError{
			Field:  ResourceTypeField,
			Reason: fmt.Sprintf("resource type %q does not match target collection %q", tag, descriptor.Name),
		}
	}

	if raw, present := doc[descriptor.IdentityField]; present {
		if err := checkIdentity(descriptor.IdentityField, raw); err != nil {
			return err
		}
	}

	for _, field := range descriptor.Required {
		if _, present := doc[field]; !present {
			return &ValidationError{Field: field, Reason: "required field is missing"}
		}
	}

	return nil
}

// ValidateUpdate checks a replacement document against the identity of the
// document it targets. The body may omit the id and resource-type tag (the
// engine reinstates them) but must not carry different values.
func (v *Validator) ValidateUpdate(descriptor *CollectionDescriptor, id string, doc schema.Document) error {
	if raw, present := doc[descriptor.IdentityField]; present {
		current, ok := raw.(string)
		if !ok || current != id {
			return &ValidationError{
				Field:  descriptor.IdentityField,
				Reason: fmt.Sprintf("cannot change resource id %q", id),
			}
		}
	}
	if raw, present := doc[ResourceTypeField]; present {
		tag, ok := raw.(string)
		if !ok || tag != descriptor.Name {
			return &ValidationError{
				Field:  ResourceTypeField,
				Reason: fmt.Sprintf("cannot change resource type %q", descriptor.Name),
			}
		}
	}
	return nil
}

// checkIdentity verifies that an id value is a non-empty token usable as a
// natural key.
func checkIdentity(field string, raw any) error {
	id, ok := raw.(string)
	if !ok {
		return &ValidationError{Field: field, Reason: "id must be a string"}
	}
	if id == "" {
		return &ValidationError{Field: field, Reason: "id must not be empty"}
	}
	if strings.ContainsAny(id, " \t\n") {
		return &ValidationError{Field: field, Reason: "id must not contain whitespace"}
	}
	return nil
}
