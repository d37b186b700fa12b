package engine

import (
	"errors"
	"testing"
)

func orderOf(t *testing.T, raw string) []string {
	t.Helper()
	parsed := parseSchema(t, raw)
	_, ordered, err := newFormulaPrograms(parsed)
	if err != nil {
		t.Fatalf("newFormulaPrograms: %v", err)
	}
	targets := make([]string, 0, len(ordered))
	for _, prog := range ordered {
		targets = append(targets, prog.cfg.Target)
	}
	return targets
}

func TestTopoSortRespectsDependencies(t *testing.T) {
	// finalTotal is declared first but depends on everything else.
	order := orderOf(t, `
fields:
  quantity:
    type: number
  unitPrice:
    type: number
  subtotal:
    type: number
  taxAmount:
    type: number
  finalTotal:
    type: number
logic:
  calculated:
    - target: finalTotal
      dependsOn: [subtotal, taxAmount]
      formula: subtotal + taxAmount
    - target: taxAmount
      dependsOn: [subtotal]
      formula: subtotal * 0.19
    - target: subtotal
      dependsOn: [quantity, unitPrice]
      formula: quantity * unitPrice
`)
	want := []string{"subtotal", "taxAmount", "finalTotal"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for idx, target := range want {
		if order[idx] != target {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTopoSortBreaksTiesByDeclarationOrder(t *testing.T) {
	order := orderOf(t, `
fields:
  base:
    type: number
  zOut:
    type: number
  aOut:
    type: number
logic:
  calculated:
    - target: zOut
      dependsOn: [base]
      formula: base * 2
    - target: aOut
      dependsOn: [base]
      formula: base * 3
`)
	if order[0] != "zOut" || order[1] != "aOut" {
		t.Fatalf("tie break lost declaration order: %v", order)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	parsed := parseSchema(t, `
fields:
  a:
    type: number
  b:
    type: number
logic:
  calculated:
    - target: a
      dependsOn: [b]
      formula: b + 1
    - target: b
      dependsOn: [a]
      formula: a + 1
`)
	_, _, err := newFormulaPrograms(parsed)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if len(cycle.Paths) != 2 || cycle.Paths[0] != "a" || cycle.Paths[1] != "b" {
		t.Fatalf("cycle paths = %v", cycle.Paths)
	}
}

func TestSelfDependencyIsCycleError(t *testing.T) {
	parsed := parseSchema(t, `
fields:
  counter:
    type: number
logic:
  calculated:
    - target: counter
      dependsOn: [counter]
      formula: counter + 1
`)
	_, _, err := newFormulaPrograms(parsed)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if len(cycle.Paths) != 1 || cycle.Paths[0] != "counter" {
		t.Fatalf("cycle paths = %v", cycle.Paths)
	}
}

func TestTopoSortIgnoresSelfReferenceToPlainFields(t *testing.T) {
	// Dependencies on non-calculated fields impose no ordering edges.
	order := orderOf(t, `
fields:
  a:
    type: number
  b:
    type: number
  out:
    type: number
logic:
  calculated:
    - target: out
      dependsOn: [a, b]
      formula: a + b
`)
	if len(order) != 1 || order[0] != "out" {
		t.Fatalf("order = %v", order)
	}
}
