package schema

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ParseError reports a malformed or unresolvable schema definition. It is
// fatal to bootstrap; the definition must be fixed before loading can succeed.
type ParseError struct {
	TypeName string // definition being built
	Property string // offending property path, if any
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("schema parse error in %q at %q: %s", e.TypeName, e.Property, e.Reason)
	}
	return fmt.Sprintf("schema parse error in %q: %s", e.TypeName, e.Reason)
}

// Loader builds an Index from a raw Definition. Loading has no side effects
// beyond the returned index; the document store is never touched.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a Loader. A nil logger defaults to a no-op logger.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// Load resolves a raw definition into an Index. Resolution is two-pass:
// every definition name is registered as a stub first, then property trees
// are filled in, so forward and circular references by name are legal.
// References to undefined types and unrecognized kind tags fail with a
// ParseError.
func (l *Loader) Load(def Definition) (*Index, error) {
	if len(def.Definitions) == 0 {
		return nil, &ParseError{Reason: "definition contains no types"}
	}

	ix := &Index{types: make(map[string]*Node, len(def.Definitions))}

	// Pass one: register stubs so references can be checked by name alone.
	for name := range def.Definitions {
		ix.types[name] = &Node{Name: name}
	}

	// Pass two: fill each stub in place. Reference nodes keep the target
	// name rather than a pointer, which keeps cycles harmless; consumers
	// resolve through the index as they walk.
	for name, prop := range def.Definitions {
		node, err := l.build(ix, name, name, prop)
		if err != nil {
			return nil, err
		}
		*ix.types[name] = *node
		ix.types[name].Name = name
	}

	for name, node := range ix.types {
		if isResource(node) {
			ix.resources = append(ix.resources, name)
		}
	}
	sort.Strings(ix.resources)

	l.logger.Debug("schema definition loaded",
		zap.Int("definitions", len(ix.types)),
		zap.Int("resources", len(ix.resources)))
	return ix, nil
}

// build converts one property tree node. typeName is the definition being
// built and propPath the path within it, both carried for error reporting.
func (l *Loader) build(ix *Index, typeName, propPath string, prop *Property) (*Node, error) {
	if prop == nil {
		return nil, &ParseError{TypeName: typeName, Property: propPath, Reason: "empty property"}
	}

	switch {
	case prop.Ref != "":
		target := refTarget(prop.Ref)
		if _, ok := ix.types[target]; !ok {
			return nil, &ParseError{
				TypeName: typeName,
				Property: propPath,
				Reason:   fmt.Sprintf("references undefined type %q", target),
			}
		}
		return &Node{Name: path.Base(propPath), Kind: KindReference, Ref: target}, nil

	case prop.Properties != nil:
		node := &Node{Name: path.Base(propPath), Kind: KindObject}
		required := make(map[string]struct{}, len(prop.Required))
		for _, r := range prop.Required {
			required[r] = struct{}{}
		}

		names := make([]string, 0, len(prop.Properties))
		for childName := range prop.Properties {
			names = append(names, childName)
		}
		sort.Strings(names)

		for _, childName := range names {
			child, err := l.build(ix, typeName, propPath+"/"+childName, prop.Properties[childName])
			if err != nil {
				return nil, err
			}
			child.Name = childName
			if _, ok := required[childName]; ok {
				child.Required = true
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case prop.Items != nil:
		element, err := l.build(ix, typeName, propPath+"/items", prop.Items)
		if err != nil {
			return nil, err
		}
		return &Node{Name: path.Base(propPath), Kind: KindArray, Element: element}, nil

	case prop.Type != "" || prop.Const != "" || len(prop.Enum) > 0:
		if prop.Type != "" {
			if _, ok := primitiveTypes[prop.Type]; !ok {
				return nil, &ParseError{
					TypeName: typeName,
					Property: propPath,
					Reason:   fmt.Sprintf("unrecognized kind tag %q", prop.Type),
				}
			}
		}
		return &Node{
			Name:  path.Base(propPath),
			Kind:  KindPrimitive,
			Type:  prop.Type,
			Const: prop.Const,
			Enum:  prop.Enum,
		}, nil

	default:
		return nil, &ParseError{TypeName: typeName, Property: propPath, Reason: "property has no recognizable kind"}
	}
}

// refTarget extracts the definition name from a "$ref" value, accepting both
// the "#/definitions/Name" form and a bare name.
func refTarget(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// isResource reports whether a definition describes a top-level resource:
// an object carrying a resourceType tag.
func isResource(node *Node) bool {
	if node.Kind != KindObject {
		return false
	}
	for _, child := range node.Children {
		if child.Name == "resourceType" {
			return true
		}
	}
	return false
}
