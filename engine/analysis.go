package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jhagel/formic/schema"
)

// DependencyReport describes one dependency of a calculation.
type DependencyReport struct {
	Path       string
	Binding    string
	Resolved   bool
	Calculated bool
}

// CalculationReport summarises one calculated field for diagnostics.
type CalculationReport struct {
	Target       string
	TargetWidget schema.Widget
	Formula      string
	Dependencies []DependencyReport
	Errors       []string
}

// AnalyzeCalculations inspects every calculation of the schema and
// reports resolution and compilation problems individually instead of
// stopping at the first one. Intended for schema authoring tools.
func AnalyzeCalculations(cfg *schema.Schema) ([]CalculationReport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("schema must not be nil")
	}
	parsed, err := cfg.ParseFields()
	if err != nil {
		return nil, err
	}

	calculated := make(map[string]struct{}, len(cfg.Logic.Calculated))
	for _, calc := range cfg.Logic.Calculated {
		calculated[calc.Target] = struct{}{}
	}

	seenTargets := make(map[string]struct{}, len(cfg.Logic.Calculated))
	reports := make([]CalculationReport, 0, len(cfg.Logic.Calculated))
	for _, calc := range cfg.Logic.Calculated {
		report := CalculationReport{
			Target:  calc.Target,
			Formula: strings.TrimSpace(calc.Formula),
		}

		if node, ok := parsed.FieldMap[calc.Target]; ok {
			report.TargetWidget = node.Widget
		} else {
			report.Errors = append(report.Errors, fmt.Sprintf("target %s does not resolve to a field", calc.Target))
		}
		if _, dup := seenTargets[calc.Target]; dup {
			report.Errors = append(report.Errors, fmt.Sprintf("field %s is produced by multiple calculations", calc.Target))
		}
		seenTargets[calc.Target] = struct{}{}

		names := make(map[string]string, len(calc.DependsOn))
		for _, dep := range calc.DependsOn {
			name := bindingName(dep)
			depReport := DependencyReport{Path: dep, Binding: name}
			if _, ok := parsed.FieldMap[dep]; ok {
				depReport.Resolved = true
			} else {
				report.Errors = append(report.Errors, fmt.Sprintf("dependency %s does not resolve to a field", dep))
			}
			if _, ok := calculated[dep]; ok {
				depReport.Calculated = true
			}
			if dep == calc.Target {
				report.Errors = append(report.Errors, fmt.Sprintf("dependency %s is the calculation's own target", dep))
			}
			if !isValidIdentifier(name) {
				report.Errors = append(report.Errors, fmt.Sprintf("dependency %s does not yield a usable variable name %q", dep, name))
			}
			if previous, dup := names[name]; dup {
				report.Errors = append(report.Errors, fmt.Sprintf("dependencies %s and %s both bind the name %q", previous, dep, name))
			}
			names[name] = dep
			report.Dependencies = append(report.Dependencies, depReport)
		}
		sort.Slice(report.Dependencies, func(i, j int) bool {
			return report.Dependencies[i].Path < report.Dependencies[j].Path
		})

		if report.Formula == "" {
			report.Errors = append(report.Errors, "formula must not be empty")
		} else if _, err := compileFormula(report.Formula); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compile: %v", err))
		}

		reports = append(reports, report)
	}

	return reports, nil
}
