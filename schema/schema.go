package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Widget identifies the presentation control resolved for a field. The
// engine treats it as a pass-through except for value coercion.
type Widget string

const (
	WidgetText     Widget = "text"
	WidgetSelect   Widget = "select"
	WidgetNumber   Widget = "number"
	WidgetCurrency Widget = "currency"
	WidgetCheckbox Widget = "checkbox"
	WidgetDate     Widget = "date"
	WidgetTime     Widget = "time"
	WidgetDatetime Widget = "datetime"
	WidgetArray    Widget = "array"
	WidgetObject   Widget = "object"
)

// Operator is the comparison vocabulary usable in rule leaves.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorIsEmpty     Operator = "isEmpty"
	OperatorIsNotEmpty  Operator = "isNotEmpty"
)

var knownOperators = map[Operator]struct{}{
	OperatorEquals:      {},
	OperatorNotEquals:   {},
	OperatorIn:          {},
	OperatorNotIn:       {},
	OperatorGreaterThan: {},
	OperatorLessThan:    {},
	OperatorIsEmpty:     {},
	OperatorIsNotEmpty:  {},
}

// Rule is a boolean expression over field values. Exactly one of the
// three forms must be populated: And, Or, or a leaf comparison.
type Rule struct {
	And []*Rule `yaml:"and,omitempty" json:"and,omitempty"`
	Or  []*Rule `yaml:"or,omitempty" json:"or,omitempty"`

	Field    string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator Operator    `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// IsLeaf reports whether the rule is a comparison rather than a combinator.
func (r *Rule) IsLeaf() bool {
	return r != nil && r.And == nil && r.Or == nil
}

func (r *Rule) validate(where string) error {
	if r == nil {
		return nil
	}
	if r.And != nil && r.Or != nil {
		return fmt.Errorf("%s: rule mixes 'and' and 'or' combinators", where)
	}
	if r.And != nil || r.Or != nil {
		if r.Field != "" || r.Operator != "" {
			return fmt.Errorf("%s: combinator rule must not carry a comparison", where)
		}
		children := r.And
		if children == nil {
			children = r.Or
		}
		for idx, child := range children {
			if child == nil {
				return fmt.Errorf("%s: child rule %d is null", where, idx)
			}
			if err := child.validate(where); err != nil {
				return err
			}
		}
		return nil
	}
	if r.Field == "" {
		return fmt.Errorf("%s: comparison rule missing field", where)
	}
	if _, ok := knownOperators[r.Operator]; !ok {
		return fmt.Errorf("%s: unknown operator %q", where, r.Operator)
	}
	switch r.Operator {
	case OperatorIn, OperatorNotIn:
		if _, ok := r.Value.([]interface{}); !ok {
			return fmt.Errorf("%s: operator %s expects a list value", where, r.Operator)
		}
	}
	return nil
}

// UIConfig carries the dynamic behaviour rules attached to a field.
type UIConfig struct {
	HiddenWhen   *Rule `yaml:"hiddenWhen,omitempty" json:"hiddenWhen,omitempty"`
	RequiredWhen *Rule `yaml:"requiredWhen,omitempty" json:"requiredWhen,omitempty"`
	ReadOnlyWhen *Rule `yaml:"readOnlyWhen,omitempty" json:"readOnlyWhen,omitempty"`
}

// FieldConfig describes one property of the declarative form schema.
// Object and array properties nest via Properties and Items.
type FieldConfig struct {
	Type        string        `yaml:"type" json:"type"`
	Format      string        `yaml:"format,omitempty" json:"format,omitempty"`
	Title       string        `yaml:"title,omitempty" json:"title,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Widget      Widget        `yaml:"widget,omitempty" json:"widget,omitempty"`
	Currency    bool          `yaml:"currency,omitempty" json:"currency,omitempty"`
	Enum        []interface{} `yaml:"enum,omitempty" json:"enum,omitempty"`
	Required    bool          `yaml:"required,omitempty" json:"required,omitempty"`
	Properties  FieldList     `yaml:"properties,omitempty" json:"properties,omitempty"`
	Items       *FieldConfig  `yaml:"items,omitempty" json:"items,omitempty"`
	UI          *UIConfig     `yaml:"ui,omitempty" json:"ui,omitempty"`
}

// ResolveWidget infers the presentation kind for the field. Explicit
// overrides win, then the declared string format, then the base type.
func (f *FieldConfig) ResolveWidget() Widget {
	if f == nil {
		return WidgetText
	}
	if f.Widget != "" {
		return f.Widget
	}
	switch strings.ToLower(strings.TrimSpace(f.Format)) {
	case "email", "uri":
		return WidgetText
	case "date":
		return WidgetDate
	case "time":
		return WidgetTime
	case "date-time":
		return WidgetDatetime
	}
	switch strings.ToLower(strings.TrimSpace(f.Type)) {
	case "string":
		if len(f.Enum) > 0 {
			return WidgetSelect
		}
		return WidgetText
	case "number", "integer":
		if f.Currency {
			return WidgetCurrency
		}
		return WidgetNumber
	case "boolean":
		return WidgetCheckbox
	case "array":
		return WidgetArray
	case "object":
		return WidgetObject
	default:
		return WidgetText
	}
}

// FieldEntry pairs a property name with its definition.
type FieldEntry struct {
	Name  string
	Field *FieldConfig
}

// FieldList preserves the declaration order of schema properties, which
// plain Go maps would lose. Declaration order decides evaluation-order
// tie breaks for calculated fields, so it must survive decoding.
type FieldList []FieldEntry

// UnmarshalYAML decodes a YAML mapping while keeping document order.
func (l *FieldList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("field list node is nil")
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("field list must be a mapping, got YAML node kind %d", value.Kind)
	}
	entries := make(FieldList, 0, len(value.Content)/2)
	seen := make(map[string]struct{}, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var name string
		if err := value.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("decode field name: %w", err)
		}
		if name == "" {
			return fmt.Errorf("field name must not be empty")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = struct{}{}
		field := &FieldConfig{}
		if err := value.Content[i+1].Decode(field); err != nil {
			return fmt.Errorf("decode field %s: %w", name, err)
		}
		entries = append(entries, FieldEntry{Name: name, Field: field})
	}
	*l = entries
	return nil
}

// UnmarshalJSON decodes a JSON object while keeping key order.
func (l *FieldList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode field list: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("field list must be a JSON object")
	}
	entries := make(FieldList, 0)
	seen := make(map[string]struct{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode field name: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok || name == "" {
			return fmt.Errorf("field name must be a non-empty string")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = struct{}{}
		field := &FieldConfig{}
		if err := dec.Decode(field); err != nil {
			return fmt.Errorf("decode field %s: %w", name, err)
		}
		entries = append(entries, FieldEntry{Name: name, Field: field})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode field list: %w", err)
	}
	*l = entries
	return nil
}

// MarshalYAML renders the list back as an ordered mapping.
func (l FieldList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range l {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: entry.Name}
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(entry.Field); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valueNode)
	}
	return node, nil
}

// Get returns the entry for the given property name.
func (l FieldList) Get(name string) (*FieldConfig, bool) {
	for _, entry := range l {
		if entry.Name == name {
			return entry.Field, true
		}
	}
	return nil, false
}

// CalculationConfig binds a formula to a target field. DependsOn lists
// the paths whose values feed the formula, in binding order.
type CalculationConfig struct {
	Target    string   `yaml:"target" json:"target"`
	DependsOn []string `yaml:"dependsOn" json:"dependsOn"`
	Formula   string   `yaml:"formula" json:"formula"`
}

// LogicConfig groups the derived-value declarations of a schema.
type LogicConfig struct {
	Calculated []CalculationConfig `yaml:"calculated,omitempty" json:"calculated,omitempty"`
}

// Schema is the root of a declarative form definition.
type Schema struct {
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Include     []string    `yaml:"include,omitempty" json:"include,omitempty"`
	Fields      FieldList   `yaml:"fields" json:"fields"`
	Logic       LogicConfig `yaml:"logic,omitempty" json:"logic,omitempty"`

	sources []string
}

// SourceFiles returns the files the schema was assembled from. Used by
// the reload watcher to detect changes.
func (s *Schema) SourceFiles() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.sources))
	copy(out, s.sources)
	return out
}

func (s *Schema) addSource(path string) {
	if s == nil || path == "" {
		return
	}
	for _, existing := range s.sources {
		if existing == path {
			return
		}
	}
	s.sources = append(s.sources, path)
}
