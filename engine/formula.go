package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jhagel/formic/schema"
)

const (
	diagCodeNotReady = "formula.not_ready"
	diagCodeEval     = "formula.eval"
	diagCodeNaN      = "formula.nan"
	diagCodeAssign   = "formula.assign"
)

// binding maps a dependency path onto the variable name visible inside
// the formula. The name is the last path segment.
type binding struct {
	name string
	path string
}

// formulaProgram is one calculated field with its compiled expression.
// Programs are built once per schema and shared read-only across passes.
type formulaProgram struct {
	cfg      schema.CalculationConfig
	target   *schema.FieldNode
	bindings []binding
	program  *vm.Program
	order    int
}

func newFormulaPrograms(parsed *schema.ParsedSchema) ([]*formulaProgram, []*formulaProgram, error) {
	programs := make([]*formulaProgram, 0, len(parsed.Calculations))
	producers := make(map[string]*formulaProgram, len(parsed.Calculations))

	for idx, cfg := range parsed.Calculations {
		target := parsed.FieldMap[cfg.Target]
		if target == nil {
			return nil, nil, fmt.Errorf("calculation %s: target does not resolve to a field", cfg.Target)
		}
		prog := &formulaProgram{cfg: cfg, target: target, order: idx}

		names := make(map[string]string, len(cfg.DependsOn))
		for _, dep := range cfg.DependsOn {
			if _, ok := parsed.FieldMap[dep]; !ok {
				return nil, nil, fmt.Errorf("calculation %s: dependency %s does not resolve to a field", cfg.Target, dep)
			}
			if dep == cfg.Target {
				return nil, nil, &CycleError{Paths: []string{cfg.Target}}
			}
			name := bindingName(dep)
			if !isValidIdentifier(name) {
				return nil, nil, fmt.Errorf("calculation %s: dependency %s does not yield a usable variable name %q", cfg.Target, dep, name)
			}
			if previous, dup := names[name]; dup {
				return nil, nil, fmt.Errorf("calculation %s: dependencies %s and %s both bind the name %q", cfg.Target, previous, dep, name)
			}
			names[name] = dep
			prog.bindings = append(prog.bindings, binding{name: name, path: dep})
		}

		program, err := compileFormula(cfg.Formula)
		if err != nil {
			return nil, nil, fmt.Errorf("calculation %s: compile: %w", cfg.Target, err)
		}
		prog.program = program

		if existing, ok := producers[cfg.Target]; ok {
			return nil, nil, fmt.Errorf("field %s is produced by multiple calculations (%d and %d)", cfg.Target, existing.order, idx)
		}
		producers[cfg.Target] = prog
		programs = append(programs, prog)
	}

	ordered, err := topoSort(programs, producers)
	if err != nil {
		return nil, nil, err
	}
	return programs, ordered, nil
}

func compileFormula(formula string) (*vm.Program, error) {
	trimmed := strings.TrimSpace(formula)
	if trimmed == "" {
		return nil, fmt.Errorf("formula must not be empty")
	}
	return expr.Compile(trimmed,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(modOperatorPatcher{}),
	)
}

// modOperatorPatcher rewrites % into a call to the mod helper.
// Dependencies bind as float64 and the native operator only accepts
// integers.
type modOperatorPatcher struct{}

func (modOperatorPatcher) Visit(node *ast.Node) {
	bin, ok := (*node).(*ast.BinaryNode)
	if !ok || bin.Operator != "%" {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: "mod"},
		Arguments: []ast.Node{bin.Left, bin.Right},
	})
}

func bindingName(path string) string {
	segments := strings.Split(path, ".")
	return segments[len(segments)-1]
}

func isValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for idx, r := range name {
		if idx == 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
		if idx > 0 {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}

// evaluate runs the formula against the working snapshot. It returns an
// indeterminate result when a dependency is missing, the expression
// fails, or the outcome is not a finite number; it never errors out.
func (p *formulaProgram) evaluate(now time.Time, working Values, logger zerolog.Logger) ComputedValue {
	for _, b := range p.bindings {
		if isEmptyValue(working[b.path]) {
			return indeterminate(now, diagCodeNotReady, fmt.Sprintf("dependency %s has no value", b.path))
		}
	}

	env := make(map[string]interface{}, len(p.bindings)+8)
	for _, b := range p.bindings {
		env[b.name] = bindValue(working[b.path])
	}
	injectFunctions(env)

	out, err := vm.Run(p.program, env)
	if err != nil {
		logger.Debug().Err(err).Str("target", p.cfg.Target).Msg("formula evaluation failed")
		return indeterminate(now, diagCodeEval, err.Error())
	}
	if out == nil {
		return indeterminate(now, diagCodeEval, "formula produced no value")
	}
	if f, ok := toFloat(out); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return indeterminate(now, diagCodeNaN, "formula produced a non-finite number")
		}
	}

	converted, err := ConvertValue(p.target.Widget, out)
	if err != nil {
		logger.Debug().Err(err).Str("target", p.cfg.Target).Msg("formula result rejected by target field")
		return indeterminate(now, diagCodeAssign, err.Error())
	}
	return ComputedValue{Value: converted, Valid: true}
}

func indeterminate(now time.Time, code, message string) ComputedValue {
	return ComputedValue{Diagnosis: &Diagnosis{Code: code, Message: message, Timestamp: now}}
}

// bindValue normalises a dependency value before it enters the sandbox:
// string-encoded numbers become numeric, decimals become floats so that
// arithmetic operators apply.
func bindValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		return v
	case decimal.Decimal:
		f, _ := v.Float64()
		return f
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return value
	}
}

// injectFunctions exposes the fixed function vocabulary. Nothing else is
// reachable from a formula; argument errors panic and surface as
// evaluation failures.
func injectFunctions(env map[string]interface{}) {
	env["min"] = func(args ...interface{}) interface{} {
		return foldNumbers("min", args, math.Min)
	}
	env["max"] = func(args ...interface{}) interface{} {
		return foldNumbers("max", args, math.Max)
	}
	env["round"] = func(args ...interface{}) interface{} {
		return math.Round(singleNumber("round", args))
	}
	env["floor"] = func(args ...interface{}) interface{} {
		return math.Floor(singleNumber("floor", args))
	}
	env["ceil"] = func(args ...interface{}) interface{} {
		return math.Ceil(singleNumber("ceil", args))
	}
	env["abs"] = func(args ...interface{}) interface{} {
		return math.Abs(singleNumber("abs", args))
	}
	env["sqrt"] = func(args ...interface{}) interface{} {
		return math.Sqrt(singleNumber("sqrt", args))
	}
	env["mod"] = func(args ...interface{}) interface{} {
		a, b := numberPair("mod", args)
		return math.Mod(a, b)
	}
}

func singleNumber(name string, args []interface{}) float64 {
	if len(args) != 1 {
		panic(fmt.Errorf("%s expects exactly one argument, got %d", name, len(args)))
	}
	f, ok := toFloat(args[0])
	if !ok {
		panic(fmt.Errorf("%s expects a numeric argument, got %T", name, args[0]))
	}
	return f
}

func numberPair(name string, args []interface{}) (float64, float64) {
	if len(args) != 2 {
		panic(fmt.Errorf("%s expects exactly two arguments, got %d", name, len(args)))
	}
	a, ok := toFloat(args[0])
	if !ok {
		panic(fmt.Errorf("%s expects numeric arguments, got %T", name, args[0]))
	}
	b, ok := toFloat(args[1])
	if !ok {
		panic(fmt.Errorf("%s expects numeric arguments, got %T", name, args[1]))
	}
	return a, b
}

func foldNumbers(name string, args []interface{}, fold func(float64, float64) float64) float64 {
	if len(args) == 0 {
		panic(fmt.Errorf("%s expects at least one argument", name))
	}
	acc, ok := toFloat(args[0])
	if !ok {
		panic(fmt.Errorf("%s expects numeric arguments, got %T", name, args[0]))
	}
	for _, arg := range args[1:] {
		f, ok := toFloat(arg)
		if !ok {
			panic(fmt.Errorf("%s expects numeric arguments, got %T", name, arg))
		}
		acc = fold(acc, f)
	}
	return acc
}
