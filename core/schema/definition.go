// Package schema loads a nested resource-type schema definition into an
// in-memory index of typed nodes. The definition format is the JSON-schema
// draft 4 subset used by FHIR schema files: a "definitions" map of type name
// to property tree, where every node is a primitive, an object, an array, or
// a reference to another definition.
package schema

import (
	"encoding/json"
	"sort"
)

// Document is a resource document as stored and returned by the store.
type Document map[string]any

// NodeKind discriminates the variants of a Node.
type NodeKind string

const (
	KindPrimitive NodeKind = "primitive" // scalar value with a type tag
	KindObject    NodeKind = "object"    // named child nodes
	KindArray     NodeKind = "array"     // homogeneous element node
	KindReference NodeKind = "reference" // points to another definition by name
)

// Primitive type tags accepted in a property tree.
var primitiveTypes = map[string]struct{}{
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
	"null":    {},
}

// Property is one node of the raw, unresolved property tree. Exactly one of
// Ref, Properties, Items or Type/Const/Enum is expected to be meaningful;
// the loader decides the node kind from whichever is present.
type Property struct {
	Ref         string               `json:"$ref,omitempty"`
	Type        string               `json:"type,omitempty"`
	Const       string               `json:"const,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Definition is the raw schema definition consumed by the Loader.
type Definition struct {
	Definitions map[string]*Property `json:"definitions"`
}

// ParseDefinition unmarshals a raw JSON schema definition.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Node is one resolved type or embedded sub-structure. Nodes are built once
// by the Loader and are immutable afterwards; references are kept by name and
// resolved through the Index so that circular definitions stay representable.
type Node struct {
	Name     string   // definition or property name
	Kind     NodeKind // variant discriminator
	Type     string   // primitive type tag, KindPrimitive only
	Const    string   // fixed value, if the definition pins one
	Enum     []any    // allowed values, if the definition restricts them
	Children []*Node  // KindObject: ordered child nodes
	Element  *Node    // KindArray: element node
	Ref      string   // KindReference: referenced definition name
	Required bool     // set when the parent object lists this property as required
}

// Index is the resolved schema: type name to root node. It is read-only after
// Load and safe for concurrent readers.
type Index struct {
	types     map[string]*Node
	resources []string
}

// Type returns the root node for a definition name.
func (ix *Index) Type(name string) (*Node, bool) {
	n, ok := ix.types[name]
	return n, ok
}

// Resources returns the names of the top-level resource types, sorted. A
// definition counts as a resource when its property tree carries a
// resourceType tag; embedded structures such as HumanName do not.
func (ix *Index) Resources() []string {
	out := make([]string, len(ix.resources))
	copy(out, ix.resources)
	return out
}

// HasResource reports whether name is a known resource type.
func (ix *Index) HasResource(name string) bool {
	i := sort.SearchStrings(ix.resources, name)
	return i < len(ix.resources) && ix.resources[i] == name
}

// Len returns the number of definitions in the index.
func (ix *Index) Len() int {
	return len(ix.types)
}
