package persistence

import (
	"context"
	"time"
)

// StoreEventType defines the possible event types for store operations.
type StoreEventType string

const (
	ResourceCreateStart   StoreEventType = "resource:create:start"
	ResourceCreateSuccess StoreEventType = "resource:create:success"
	ResourceCreateFailed  StoreEventType = "resource:create:failed"
	ResourceUpdateStart   StoreEventType = "resource:update:start"
	ResourceUpdateSuccess StoreEventType = "resource:update:success"
	ResourceUpdateFailed  StoreEventType = "resource:update:failed"
	ResourcePatchStart    StoreEventType = "resource:patch:start"
	ResourcePatchSuccess  StoreEventType = "resource:patch:success"
	ResourcePatchFailed   StoreEventType = "resource:patch:failed"
	ResourceDeleteStart   StoreEventType = "resource:delete:start"
	ResourceDeleteSuccess StoreEventType = "resource:delete:success"
	ResourceDeleteFailed  StoreEventType = "resource:delete:failed"
	StoreBootstrapped     StoreEventType = "store:bootstrap"
	StoreResumed          StoreEventType = "store:resume"
	StoreResetDone        StoreEventType = "store:reset"
)

// StoreEvent is emitted around store operations for observability. Input and
// Output are kept generic; consumers assert what they need.
type StoreEvent struct {
	Type         StoreEventType `json:"type"`
	Timestamp    int64          `json:"timestamp"` // Unix milliseconds
	Operation    string         `json:"operation"`
	ResourceType *string        `json:"resourceType,omitempty"`
	ResourceID   *string        `json:"resourceId,omitempty"`
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Duration     *int64         `json:"duration,omitempty"` // milliseconds
}

// EventCallback handles a single store event.
type EventCallback func(ctx context.Context, event StoreEvent) error

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	Event       StoreEventType `json:"event"`
	Label       *string        `json:"label,omitempty"`
	Description *string        `json:"description,omitempty"`
	Unsubscribe func()
}

// RegisterSubscriptionOptions configures a subscription registration.
type RegisterSubscriptionOptions struct {
	Event       StoreEventType `json:"event"`
	Label       *string        `json:"label,omitempty"`
	Description *string        `json:"description,omitempty"`
	Callback    EventCallback
}

func createEvent(
	eventType StoreEventType,
	operation string,
	resourceType string,
	resourceID string,
	input any,
	output any,
	err *string,
	startTime time.Time,
) StoreEvent {
	var duration *int64
	if !startTime.IsZero() {
		d := time.Since(startTime).Milliseconds()
		duration = &d
	}

	event := StoreEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Operation: operation,
		Input:     input,
		Output:    output,
		Error:     err,
		Duration:  duration,
	}
	if resourceType != "" {
		event.ResourceType = &resourceType
	}
	if resourceID != "" {
		event.ResourceID = &resourceID
	}
	return event
}
