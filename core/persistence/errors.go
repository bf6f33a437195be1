package persistence

import "fmt"

// ValidationError reports a document that fails type, shape, or identity
// checks. Recoverable: the caller fixes the document and retries.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// ConflictError reports a duplicate id on create. The store-level unique
// index on the identity field is the authoritative source of this error; the
// engine's read-before-write check only produces it earlier in the common
// case.
type ConflictError struct {
	ResourceType string
	ID           string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s resource with id %q already exists", e.ResourceType, e.ID)
}

// NotFoundError reports an absent read/update/delete target, or an operation
// against a resource type that was never provisioned.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("unsupported resource type %q", e.ResourceType)
	}
	return fmt.Sprintf("%s resource with id %q not found", e.ResourceType, e.ID)
}

// BootstrapError reports provisioning that failed partway. The store is left
// in an indeterminate provisioned state and is not rolled back; the operator
// must run Reset before trying again.
type BootstrapError struct {
	Collection string
	Err        error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed while provisioning %q: %v (store left partially provisioned, run reset)", e.Collection, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// ResumeError reports that no usable provisioned collections were found when
// attaching to an existing database.
type ResumeError struct {
	Collection string
	Reason     string
}

func (e *ResumeError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("resume failed: %s", e.Reason)
	}
	return fmt.Sprintf("resume failed on collection %q: %s", e.Collection, e.Reason)
}
