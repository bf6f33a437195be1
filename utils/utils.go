// Package utils holds conversion helpers between typed resource structs and
// the schema.Document maps the store operates on.
package utils

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/asaidimu/go-fhirstore/core/schema"
)

// StructToDocument converts a typed resource into a schema.Document through a
// JSON round trip, so json tags, omitempty, and nested structs behave exactly
// as they would on the wire. The input must be a struct or a non-nil pointer
// to one.
func StructToDocument[T any](resource T) (schema.Document, error) {
	val := reflect.ValueOf(resource)
	if !val.IsValid() {
		return nil, fmt.Errorf("resource cannot be nil")
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("resource cannot be a nil pointer")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("resource must be a struct or a pointer to one, got %s", val.Kind())
	}

	data, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource: %w", err)
	}

	var doc schema.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode resource into a document: %w", err)
	}
	return doc, nil
}

// DocumentToStruct converts a schema.Document into a typed resource, the
// inverse of StructToDocument. T must be a struct type or a pointer to one.
func DocumentToStruct[T any](doc schema.Document) (T, error) {
	var zero T
	if doc == nil {
		return zero, fmt.Errorf("document cannot be nil")
	}

	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return zero, fmt.Errorf("target type must be a struct or a pointer to one")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("failed to encode document: %w", err)
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to decode document into %T: %w", result, err)
	}
	return result, nil
}
