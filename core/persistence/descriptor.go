package persistence

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/asaidimu/go-fhirstore/core/schema"
)

// CollectionDescriptor describes one provisioned collection: its name (equal
// to the resource type), the identity field enforced by a unique index, the
// required top-level fields, and the structural validator configured on the
// store. Descriptors are immutable once built.
type CollectionDescriptor struct {
	Name          string
	IdentityField string
	Required      []string
	Spec          ValidatorSpec
}

// maxExtensionDepth caps recursion through extension properties regardless of
// the configured depth; FHIR extensions nest unboundedly and one level is all
// the store-level validator needs.
const maxExtensionDepth = 1

// BuildDescriptor derives the collection descriptor for a resource type by
// walking its schema node tree down to maxDepth levels. References past
// maxDepth are truncated into an unconstrained catch-all rather than
// rejected: deeply nested optional substructures are not worth enforcing at
// the document-store level. The resulting validator always requires the
// identity field and pins the resource-type tag to the collection name, so
// that Reconstruct can recognize the collection later.
func BuildDescriptor(ix *schema.Index, resourceType string, maxDepth int) (*CollectionDescriptor, error) {
	node, ok := ix.Type(resourceType)
	if !ok {
		return nil, fmt.Errorf("resource type %q is not in the schema index", resourceType)
	}

	spec := buildSpec(ix, node, maxDepth)
	if spec["type"] != "object" {
		return nil, fmt.Errorf("resource type %q does not resolve to an object", resourceType)
	}

	props, _ := spec["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
		spec["properties"] = props
	}

	// Identity and type-tag constraints are planted unconditionally: the
	// unique index on the identity field is the conflict backstop and the
	// pinned resourceType enum is what makes the collection recognizable
	// during resume.
	if _, ok := props[IdentityField]; !ok {
		props[IdentityField] = map[string]any{"type": "string"}
	}
	props[ResourceTypeField] = map[string]any{"enum": []any{resourceType}}

	required := toStringSet(spec["required"])
	required[IdentityField] = struct{}{}
	required[ResourceTypeField] = struct{}{}
	spec["required"] = sortedKeys(required)

	return &CollectionDescriptor{
		Name:          resourceType,
		IdentityField: IdentityField,
		Required:      sortedKeys(required),
		Spec:          spec,
	}, nil
}

// buildSpec converts a schema node into a JSON-schema draft 4 fragment.
// Mirrors the node kinds: references dereference through the index while
// depth lasts and collapse to {} when it runs out.
func buildSpec(ix *schema.Index, node *schema.Node, depth int) map[string]any {
	switch node.Kind {
	case schema.KindReference:
		if depth <= 0 {
			return map[string]any{}
		}
		target, ok := ix.Type(node.Ref)
		if !ok {
			return map[string]any{}
		}
		return buildSpec(ix, target, depth-1)

	case schema.KindObject:
		props := make(map[string]any, len(node.Children))
		var required []any
		for _, child := range node.Children {
			childDepth := depth
			if child.Name == "extension" || child.Name == "modifierExtension" {
				if childDepth > maxExtensionDepth {
					childDepth = maxExtensionDepth
				}
			}
			props[child.Name] = buildSpec(ix, child, childDepth)
			if child.Required {
				required = append(required, child.Name)
			}
		}
		spec := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			spec["required"] = required
		}
		return spec

	case schema.KindArray:
		return map[string]any{
			"type":  "array",
			"items": buildSpec(ix, node.Element, depth),
		}

	default:
		spec := map[string]any{}
		if node.Type != "" {
			spec["type"] = node.Type
		}
		// Document stores speaking JSON-schema draft 4 have no "const";
		// a single-element enum carries the same constraint.
		switch {
		case node.Const != "":
			spec["enum"] = []any{node.Const}
		case len(node.Enum) > 0:
			spec["enum"] = append([]any{}, node.Enum...)
		}
		return spec
	}
}

// DecodeDescriptor rebuilds a descriptor from a validator read back from the
// store, without the original schema definition. It fails when the validator
// lacks the identity-field constraint, the marker that the collection was
// provisioned by this system.
func DecodeDescriptor(name string, spec ValidatorSpec) (*CollectionDescriptor, error) {
	if spec == nil {
		return nil, fmt.Errorf("collection has no validator")
	}

	required := toStringSet(spec["required"])
	if _, ok := required[IdentityField]; !ok {
		return nil, fmt.Errorf("validator has no %q identity constraint", IdentityField)
	}

	if props, ok := spec["properties"].(map[string]any); ok {
		if tag, ok := props[ResourceTypeField].(map[string]any); ok {
			if enum, ok := tag["enum"].([]any); ok && len(enum) == 1 {
				if pinned, ok := enum[0].(string); ok && pinned != name {
					return nil, fmt.Errorf("validator pins resource type %q but collection is named %q", pinned, name)
				}
			}
		}
	}

	return &CollectionDescriptor{
		Name:          name,
		IdentityField: IdentityField,
		Required:      sortedKeys(required),
		Spec:          spec,
	}, nil
}

// CheckDocument enforces a validator spec against a document. Backends
// without native JSON-schema validation (the embedded sqlite store) use this
// as their enforcement backstop on insert and replace; it accepts anything a
// truncated {} fragment covers, keeping depth truncation lenient.
func CheckDocument(spec ValidatorSpec, doc schema.Document) error {
	return checkValue(map[string]any(spec), map[string]any(doc), "")
}

func checkValue(spec map[string]any, value any, path string) error {
	if len(spec) == 0 {
		return nil
	}

	if enum, ok := spec["enum"].([]any); ok {
		matched := false
		for _, allowed := range enum {
			if looseEqual(value, allowed) {
				matched = true
				break
			}
		}
		if !matched {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("value %v is not one of the allowed values", value)}
		}
	}

	typeTag, _ := spec["type"].(string)
	switch typeTag {
	case "object":
		obj, ok := asMap(value)
		if !ok {
			return &ValidationError{Field: path, Reason: "expected an object"}
		}
		for _, name := range toStringList(spec["required"]) {
			if _, present := obj[name]; !present {
				return &ValidationError{Field: joinPath(path, name), Reason: "required field is missing"}
			}
		}
		props, _ := spec["properties"].(map[string]any)
		for name, raw := range obj {
			propSpec, ok := props[name].(map[string]any)
			if !ok {
				continue
			}
			if err := checkValue(propSpec, raw, joinPath(path, name)); err != nil {
				return err
			}
		}
	case "array":
		items, ok := asList(value)
		if !ok {
			return &ValidationError{Field: path, Reason: "expected an array"}
		}
		itemSpec, ok := spec["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range items {
			if err := checkValue(itemSpec, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return &ValidationError{Field: path, Reason: "expected a string"}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ValidationError{Field: path, Reason: "expected a boolean"}
		}
	case "number":
		if _, ok := asNumber(value); !ok {
			return &ValidationError{Field: path, Reason: "expected a number"}
		}
	case "integer":
		n, ok := asNumber(value)
		if !ok || n != float64(int64(n)) {
			return &ValidationError{Field: path, Reason: "expected an integer"}
		}
	case "null":
		if value != nil {
			return &ValidationError{Field: path, Reason: "expected null"}
		}
	}

	return nil
}

func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case schema.Document:
		return v, true
	default:
		return nil, false
	}
}

// asList widens typed slices the way asNumber widens numerics, so documents
// built in Go code pass the same checks as documents decoded from JSON.
func asList(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		bf, bok := asNumber(b)
		return bok && af == bf
	}
	return a == b
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func toStringSet(raw any) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range toStringList(raw) {
		out[s] = struct{}{}
	}
	return out
}

func toStringList(raw any) []string {
	var out []string
	switch list := raw.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
