package template

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StringAttr is a string attribute that is either a plain scalar (applies
// everywhere) or an ordered list of access-scoped variants.
type StringAttr []StringValue

// MarshalYAML collapses a single unscoped entry to a plain scalar.
func (a StringAttr) MarshalYAML() (any, error) {
	if len(a) == 1 && ScopeIsZero(&a[0].Scope) {
		return a[0].Value, nil
	}
	return []StringValue(a), nil
}

func (a *StringAttr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*a = StringAttr{{Value: s}}
		return nil
	case yaml.SequenceNode:
		var entries []StringValue
		if err := node.Decode(&entries); err != nil {
			return err
		}
		*a = entries
		return nil
	default:
		return fmt.Errorf("line %d: string attribute must be a scalar or a list of scoped entries", node.Line)
	}
}

// Scalar returns the attribute's single universal value, if it has one.
func (a StringAttr) Scalar() (string, bool) {
	if len(a) == 1 && ScopeIsZero(&a[0].Scope) {
		return a[0].Value, true
	}
	return "", false
}

// IntAttr is an integer attribute, scalar or access-scoped.
type IntAttr []IntValue

func (a IntAttr) MarshalYAML() (any, error) {
	if len(a) == 1 && ScopeIsZero(&a[0].Scope) {
		return a[0].Value, nil
	}
	return []IntValue(a), nil
}

func (a *IntAttr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		*a = IntAttr{{Value: n}}
		return nil
	case yaml.SequenceNode:
		var entries []IntValue
		if err := node.Decode(&entries); err != nil {
			return err
		}
		*a = entries
		return nil
	default:
		return fmt.Errorf("line %d: integer attribute must be a scalar or a list of scoped entries", node.Line)
	}
}

// DocumentAttr is a policy-document attribute. The scalar form is the
// document mapping itself; the scoped form is a list of entries each carrying
// a `document` field.
type DocumentAttr []DocumentValue

func (a DocumentAttr) MarshalYAML() (any, error) {
	if len(a) == 1 && ScopeIsZero(&a[0].Scope) {
		return a[0].Document, nil
	}
	return []DocumentValue(a), nil
}

func (a *DocumentAttr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var doc map[string]any
		if err := node.Decode(&doc); err != nil {
			return err
		}
		*a = DocumentAttr{{Document: doc}}
		return nil
	case yaml.SequenceNode:
		var entries []DocumentValue
		if err := node.Decode(&entries); err != nil {
			return err
		}
		*a = entries
		return nil
	default:
		return fmt.Errorf("line %d: document attribute must be a mapping or a list of scoped entries", node.Line)
	}
}
