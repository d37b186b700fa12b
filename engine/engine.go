package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhagel/formic/schema"
	"github.com/jhagel/formic/telemetry"
)

// Diagnosis explains why a calculated field has no value.
type Diagnosis struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// ComputedValue is the outcome for one calculated field. Valid false
// means indeterminate: no value is available yet, which is an expected
// state rather than an error.
type ComputedValue struct {
	Value     interface{}
	Valid     bool
	Diagnosis *Diagnosis
}

// FieldFlags is the dynamic state resolved for one field. Flags are
// computed for hidden fields too; suppressing validation for a hidden
// but required field is a rendering-layer decision.
type FieldFlags struct {
	Visible  bool
	Required bool
	ReadOnly bool
}

// Result is the atomic outcome of one evaluation pass.
type Result struct {
	Flags       map[string]FieldFlags
	Computed    map[string]ComputedValue
	EvaluatedAt time.Time
}

// Engine evaluates field rules and calculated values against value
// snapshots. All schema-derived state (flattened fields, compiled
// formulas, evaluation order) is built once and shared read-only across
// passes; Recompute holds no state between calls.
type Engine struct {
	parsed    *schema.ParsedSchema
	logger    zerolog.Logger
	programs  []*formulaProgram
	ordered   []*formulaProgram
	telemetry telemetry.Collector
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithTelemetry configures the collector used for evaluation metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(e *Engine) {
		if collector != nil {
			e.telemetry = collector
		}
	}
}

// New builds an engine from a schema. Structural problems — unknown
// paths, malformed rules, binding collisions, dependency cycles — are
// reported here and reject the schema before any evaluation.
func New(cfg *schema.Schema, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("schema must not be nil")
	}
	parsed, err := cfg.Parse()
	if err != nil {
		return nil, err
	}
	return NewFromParsed(parsed, logger, opts...)
}

// NewFromParsed builds an engine from an already parsed schema.
func NewFromParsed(parsed *schema.ParsedSchema, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if parsed == nil {
		return nil, errors.New("parsed schema must not be nil")
	}
	programs, ordered, err := newFormulaPrograms(parsed)
	if err != nil {
		return nil, err
	}
	engine := &Engine{
		parsed:    parsed,
		logger:    logger,
		programs:  programs,
		ordered:   ordered,
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

// Validate performs a dry-run construction of the engine without keeping it.
func Validate(cfg *schema.Schema, logger zerolog.Logger) error {
	_, err := New(cfg, logger)
	return err
}

// Fields returns the flattened field nodes in declaration order.
func (e *Engine) Fields() []*schema.FieldNode {
	if e == nil || e.parsed == nil {
		return nil
	}
	return e.parsed.Fields
}

// EvaluationOrder returns the calculated-field paths in the order the
// engine evaluates them.
func (e *Engine) EvaluationOrder() []string {
	if e == nil {
		return nil
	}
	order := make([]string, 0, len(e.ordered))
	for _, prog := range e.ordered {
		order = append(order, prog.cfg.Target)
	}
	return order
}

// Recompute runs one full evaluation pass against the snapshot and
// returns the flags and computed values as one atomic result. The input
// snapshot is never mutated; computed values are merged into a working
// copy so that later calculations in the same pass observe them.
func (e *Engine) Recompute(values Values) *Result {
	now := time.Now()
	result := &Result{
		Flags:       make(map[string]FieldFlags, len(e.parsed.Fields)),
		Computed:    make(map[string]ComputedValue, len(e.ordered)),
		EvaluatedAt: now,
	}
	e.telemetry.IncRecompute(e.parsed.Name)

	for _, node := range e.parsed.Fields {
		result.Flags[node.Path] = FieldFlags{
			Visible:  !evaluateDeclared(node.HiddenWhen, values, false),
			Required: node.Required || evaluateDeclared(node.RequiredWhen, values, false),
			ReadOnly: evaluateDeclared(node.ReadOnlyWhen, values, false),
		}
	}

	working := values.Clone()
	for _, prog := range e.ordered {
		computed := prog.evaluate(now, working, e.logger)
		result.Computed[prog.cfg.Target] = computed
		if computed.Valid {
			working[prog.cfg.Target] = computed.Value
		} else {
			// Downstream formulas must not see a stale value.
			working[prog.cfg.Target] = nil
			e.telemetry.IncIndeterminate(e.parsed.Name, prog.cfg.Target)
		}
	}

	e.telemetry.ObserveRecomputeDuration(e.parsed.Name, time.Since(now))
	return result
}

// evaluateDeclared treats an absent rule as a constant matching the
// role's default.
func evaluateDeclared(rule *schema.Rule, values Values, absent bool) bool {
	if rule == nil {
		return absent
	}
	return evaluateRule(rule, values)
}
