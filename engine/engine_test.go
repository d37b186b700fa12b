package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jhagel/formic/schema"
)

func newTestEngine(t *testing.T, raw string, opts ...Option) *Engine {
	t.Helper()
	cfg := &schema.Schema{}
	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	eng, err := New(cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

const checkoutSchema = `
name: checkout
fields:
  country:
    type: string
    required: true
  state:
    type: string
    ui:
      hiddenWhen:
        field: country
        operator: notEquals
        value: US
  vatId:
    type: string
    ui:
      requiredWhen:
        field: country
        operator: notEquals
        value: US
  reference:
    type: string
    ui:
      readOnlyWhen:
        field: country
        operator: isNotEmpty
  quantity:
    type: number
  unitPrice:
    type: number
  subtotal:
    type: number
  taxAmount:
    type: number
  total:
    type: number
logic:
  calculated:
    - target: subtotal
      dependsOn: [quantity, unitPrice]
      formula: quantity * unitPrice
    - target: taxAmount
      dependsOn: [subtotal]
      formula: subtotal * 0.5
    - target: total
      dependsOn: [subtotal, taxAmount]
      formula: subtotal + taxAmount
`

func TestRecomputeFlags(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	result := eng.Recompute(Values{"country": "DE"})

	state := result.Flags["state"]
	if state.Visible {
		t.Fatalf("state must be hidden for DE: %+v", state)
	}
	vat := result.Flags["vatId"]
	if !vat.Required {
		t.Fatalf("vatId must be required for DE: %+v", vat)
	}
	reference := result.Flags["reference"]
	if !reference.ReadOnly {
		t.Fatalf("reference must be read-only once country is set: %+v", reference)
	}
	country := result.Flags["country"]
	if !country.Required || !country.Visible || country.ReadOnly {
		t.Fatalf("country flags unexpected: %+v", country)
	}

	result = eng.Recompute(Values{"country": "US"})
	if !result.Flags["state"].Visible {
		t.Fatalf("state must be visible for US")
	}
	if result.Flags["vatId"].Required {
		t.Fatalf("vatId must not be required for US")
	}
}

func TestRecomputeFlagsDefaultOnEmptySnapshot(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	result := eng.Recompute(Values{})
	// country is empty, so notEquals "US" holds: state hidden, vatId required.
	if result.Flags["state"].Visible {
		t.Fatalf("state must be hidden while country is empty")
	}
	if !result.Flags["vatId"].Required {
		t.Fatalf("vatId must be required while country is empty")
	}
	if result.Flags["reference"].ReadOnly {
		t.Fatalf("reference must be editable while country is empty")
	}
}

func TestRecomputeFlagsCoverHiddenFields(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	result := eng.Recompute(Values{"country": "DE"})
	if _, ok := result.Flags["state"]; !ok {
		t.Fatalf("hidden fields must still carry flags")
	}
	if len(result.Flags) != len(eng.Fields()) {
		t.Fatalf("flag count = %d, want %d", len(result.Flags), len(eng.Fields()))
	}
}

func TestRecomputeHandlesSliceValuedFields(t *testing.T) {
	eng := newTestEngine(t, `
fields:
  tags:
    type: array
  notice:
    type: string
    ui:
      hiddenWhen:
        field: tags
        operator: equals
        value: [urgent]
`)
	result := eng.Recompute(Values{"tags": []interface{}{"urgent"}})
	if result.Flags["notice"].Visible {
		t.Fatalf("notice must be hidden for matching tags")
	}
	result = eng.Recompute(Values{"tags": []interface{}{"routine"}})
	if !result.Flags["notice"].Visible {
		t.Fatalf("notice must be visible for different tags")
	}
}

func TestRecomputeChainsCalculationsInOnePass(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	result := eng.Recompute(Values{"country": "US", "quantity": 2, "unitPrice": 10})

	subtotal := result.Computed["subtotal"]
	if !subtotal.Valid || subtotal.Value != 20.0 {
		t.Fatalf("subtotal = %+v", subtotal)
	}
	tax := result.Computed["taxAmount"]
	if !tax.Valid || tax.Value != 10.0 {
		t.Fatalf("taxAmount = %+v", tax)
	}
	total := result.Computed["total"]
	if !total.Valid || total.Value != 30.0 {
		t.Fatalf("total = %+v", total)
	}
}

func TestRecomputeIndeterminacyPropagates(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	result := eng.Recompute(Values{"country": "US", "unitPrice": 10})

	for _, target := range []string{"subtotal", "taxAmount", "total"} {
		computed := result.Computed[target]
		if computed.Valid {
			t.Fatalf("%s must be indeterminate without quantity: %+v", target, computed)
		}
		if computed.Diagnosis == nil || computed.Diagnosis.Code != diagCodeNotReady {
			t.Fatalf("%s diagnosis = %+v", target, computed.Diagnosis)
		}
	}
}

func TestRecomputeIgnoresStaleComputedInput(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	// A stale subtotal in the snapshot must be overridden, not reused.
	result := eng.Recompute(Values{"quantity": 2, "unitPrice": 10, "subtotal": 999})
	if got := result.Computed["subtotal"]; !got.Valid || got.Value != 20.0 {
		t.Fatalf("subtotal = %+v", got)
	}
	if got := result.Computed["total"]; !got.Valid || got.Value != 30.0 {
		t.Fatalf("total = %+v", got)
	}
}

func TestRecomputeDoesNotMutateSnapshot(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	snapshot := Values{"country": "US", "quantity": 2, "unitPrice": 10}
	eng.Recompute(snapshot)
	if len(snapshot) != 3 {
		t.Fatalf("snapshot gained keys: %v", snapshot)
	}
	if snapshot["quantity"] != 2 {
		t.Fatalf("snapshot value changed: %v", snapshot)
	}
}

func TestRecomputeIsDeterministic(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	values := Values{"country": "US", "quantity": 3, "unitPrice": 7}
	first := eng.Recompute(values)
	second := eng.Recompute(values)
	for target, computed := range first.Computed {
		other := second.Computed[target]
		if computed.Valid != other.Valid || computed.Value != other.Value {
			t.Fatalf("%s differs between passes: %+v vs %+v", target, computed, other)
		}
	}
	for path, flags := range first.Flags {
		if second.Flags[path] != flags {
			t.Fatalf("%s flags differ between passes", path)
		}
	}
}

func TestEvaluationOrder(t *testing.T) {
	eng := newTestEngine(t, checkoutSchema)
	want := []string{"subtotal", "taxAmount", "total"}
	got := eng.EvaluationOrder()
	if len(got) != len(want) {
		t.Fatalf("order = %v", got)
	}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	cfg := &schema.Schema{}
	raw := `
fields:
  a:
    type: number
  b:
    type: number
logic:
  calculated:
    - target: a
      dependsOn: [b]
      formula: b
    - target: b
      dependsOn: [a]
      formula: a
`
	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := Validate(cfg, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	cfg := &schema.Schema{}
	raw := `
fields:
  counter:
    type: number
logic:
  calculated:
    - target: counter
      dependsOn: [counter]
      formula: counter + 1
`
	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := Validate(cfg, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

type recordingCollector struct {
	mu             sync.Mutex
	recomputes     int
	indeterminates map[string]int
	durations      int
}

func (c *recordingCollector) IncRecompute(string) {
	c.mu.Lock()
	c.recomputes++
	c.mu.Unlock()
}

func (c *recordingCollector) IncIndeterminate(_, target string) {
	c.mu.Lock()
	if c.indeterminates == nil {
		c.indeterminates = make(map[string]int)
	}
	c.indeterminates[target]++
	c.mu.Unlock()
}

func (c *recordingCollector) ObserveRecomputeDuration(string, time.Duration) {
	c.mu.Lock()
	c.durations++
	c.mu.Unlock()
}

func TestRecomputeReportsTelemetry(t *testing.T) {
	collector := &recordingCollector{}
	eng := newTestEngine(t, checkoutSchema, WithTelemetry(collector))

	eng.Recompute(Values{"country": "US", "unitPrice": 10})

	if collector.recomputes != 1 || collector.durations != 1 {
		t.Fatalf("collector counts = %+v", collector)
	}
	for _, target := range []string{"subtotal", "taxAmount", "total"} {
		if collector.indeterminates[target] != 1 {
			t.Fatalf("indeterminate count for %s = %d", target, collector.indeterminates[target])
		}
	}
}
