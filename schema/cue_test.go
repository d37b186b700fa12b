package schema

import (
	"strings"
	"testing"
)

const cueSchema = `
name: "pricing"
fields: {
	quantity: {type: "number"}
	unitPrice: {type: "number", currency: true}
	total: {type: "number", currency: true}
}
logic: calculated: [{
	target: "total"
	dependsOn: ["quantity", "unitPrice"]
	formula: "quantity * unitPrice"
}]
`

func TestLoadCUEFile(t *testing.T) {
	ResetOverlaysForTest()
	t.Cleanup(ResetOverlaysForTest)

	dir := t.TempDir()
	path := writeFile(t, dir, "pricing.cue", cueSchema)

	schema, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if schema.Name != "pricing" {
		t.Fatalf("name = %q", schema.Name)
	}
	if len(schema.Fields) != 3 || schema.Fields[0].Name != "quantity" {
		t.Fatalf("fields = %+v", schema.Fields)
	}
	if got := schema.Fields[1].Field.ResolveWidget(); got != WidgetCurrency {
		t.Fatalf("unitPrice widget = %q, want currency", got)
	}
	if len(schema.Logic.Calculated) != 1 || schema.Logic.Calculated[0].Target != "total" {
		t.Fatalf("calculations = %+v", schema.Logic.Calculated)
	}
}

func TestRegisterOverlayRejectsDuplicates(t *testing.T) {
	ResetOverlaysForTest()
	t.Cleanup(ResetOverlaysForTest)

	if err := RegisterOverlayString("embedded/schema.cue", cueSchema); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := RegisterOverlayString("embedded/schema.cue", cueSchema)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate overlay error, got %v", err)
	}
}

func TestRegisterOverlayRejectsEmptyPath(t *testing.T) {
	ResetOverlaysForTest()
	t.Cleanup(ResetOverlaysForTest)

	if err := RegisterOverlayString("  ", cueSchema); err == nil {
		t.Fatalf("expected error for empty overlay path")
	}
}
