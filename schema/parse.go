package schema

import (
	"fmt"
	"strings"
)

// FieldNode is the flattened representation of one schema property with
// a resolved dot path and the rules and calculation attached to it.
type FieldNode struct {
	Path         string
	Name         string
	Title        string
	Widget       Widget
	Type         string
	Level        int
	Required     bool
	Enum         []interface{}
	HiddenWhen   *Rule
	RequiredWhen *Rule
	ReadOnlyWhen *Rule
	Calculation  *CalculationConfig
}

// Conditional reports whether any dynamic behaviour rule is declared.
func (n *FieldNode) Conditional() bool {
	return n != nil && (n.HiddenWhen != nil || n.RequiredWhen != nil || n.ReadOnlyWhen != nil)
}

// ParsedSchema is the flattened, validated view the engine consumes. It
// is derived once per schema and safe to share read-only.
type ParsedSchema struct {
	Name             string
	Fields           []*FieldNode
	FieldMap         map[string]*FieldNode
	RequiredPaths    []string
	ConditionalPaths []string
	CalculatedPaths  []string
	Calculations     []CalculationConfig
}

// ParseFields flattens the nested field tree into a node list with
// stable paths, infers widgets and validates rule trees. Calculations
// are not resolved; Parse does that on top.
func (s *Schema) ParseFields() (*ParsedSchema, error) {
	if s == nil {
		return nil, fmt.Errorf("schema must not be nil")
	}
	parsed := &ParsedSchema{
		Name:     s.Name,
		FieldMap: make(map[string]*FieldNode),
	}
	if err := flattenFields(s.Fields, "", 0, parsed); err != nil {
		return nil, err
	}

	for _, node := range parsed.Fields {
		if node.Required {
			parsed.RequiredPaths = append(parsed.RequiredPaths, node.Path)
		}
		if node.Conditional() {
			parsed.ConditionalPaths = append(parsed.ConditionalPaths, node.Path)
		}
	}
	return parsed, nil
}

// Parse validates the whole schema: fields, rule trees and calculation
// dependencies. All structural problems surface here, before any
// evaluation takes place.
func (s *Schema) Parse() (*ParsedSchema, error) {
	parsed, err := s.ParseFields()
	if err != nil {
		return nil, err
	}

	seenTargets := make(map[string]struct{}, len(s.Logic.Calculated))
	for idx, calc := range s.Logic.Calculated {
		if calc.Target == "" {
			return nil, fmt.Errorf("calculation %d: target must not be empty", idx)
		}
		node, ok := parsed.FieldMap[calc.Target]
		if !ok {
			return nil, fmt.Errorf("calculation %s: target does not resolve to a field", calc.Target)
		}
		if _, dup := seenTargets[calc.Target]; dup {
			return nil, fmt.Errorf("field %s is produced by multiple calculations", calc.Target)
		}
		seenTargets[calc.Target] = struct{}{}
		if strings.TrimSpace(calc.Formula) == "" {
			return nil, fmt.Errorf("calculation %s: formula must not be empty", calc.Target)
		}
		for _, dep := range calc.DependsOn {
			if _, ok := parsed.FieldMap[dep]; !ok {
				return nil, fmt.Errorf("calculation %s: dependency %s does not resolve to a field", calc.Target, dep)
			}
		}
		cfg := calc
		node.Calculation = &cfg
		parsed.Calculations = append(parsed.Calculations, cfg)
		parsed.CalculatedPaths = append(parsed.CalculatedPaths, calc.Target)
	}

	return parsed, nil
}

func flattenFields(fields FieldList, prefix string, level int, parsed *ParsedSchema) error {
	for _, entry := range fields {
		cfg := entry.Field
		if cfg == nil {
			return fmt.Errorf("field %s has no definition", joinPath(prefix, entry.Name))
		}
		path := joinPath(prefix, entry.Name)
		if _, dup := parsed.FieldMap[path]; dup {
			return fmt.Errorf("duplicate field path %q", path)
		}
		node := &FieldNode{
			Path:     path,
			Name:     entry.Name,
			Title:    cfg.Title,
			Widget:   cfg.ResolveWidget(),
			Type:     strings.ToLower(strings.TrimSpace(cfg.Type)),
			Level:    level,
			Required: cfg.Required,
			Enum:     cfg.Enum,
		}
		if cfg.UI != nil {
			for _, rule := range []struct {
				name string
				rule *Rule
			}{
				{"hiddenWhen", cfg.UI.HiddenWhen},
				{"requiredWhen", cfg.UI.RequiredWhen},
				{"readOnlyWhen", cfg.UI.ReadOnlyWhen},
			} {
				if rule.rule == nil {
					continue
				}
				if err := rule.rule.validate(fmt.Sprintf("field %s %s", path, rule.name)); err != nil {
					return err
				}
			}
			node.HiddenWhen = cfg.UI.HiddenWhen
			node.RequiredWhen = cfg.UI.RequiredWhen
			node.ReadOnlyWhen = cfg.UI.ReadOnlyWhen
		}
		parsed.Fields = append(parsed.Fields, node)
		parsed.FieldMap[path] = node

		switch node.Type {
		case "object":
			if err := flattenFields(cfg.Properties, path, level+1, parsed); err != nil {
				return err
			}
		case "array":
			if cfg.Items != nil && strings.EqualFold(cfg.Items.Type, "object") {
				// One representative item path stands in for all indices.
				itemPrefix := path + "[*]"
				if err := flattenFields(cfg.Items.Properties, itemPrefix, level+1, parsed); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
