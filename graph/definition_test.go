package graph

import (
	"strings"
	"testing"
)

func TestParseDefinitionRejectsMalformedYAML(t *testing.T) {
	if _, err := ParseDefinition([]byte("graph: [broken")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRequiresGraphName(t *testing.T) {
	def := Definition{Groups: []GroupDefinition{{Name: "open", States: []string{"Draft"}}}}
	if err := def.Validate(); err == nil || !strings.Contains(err.Error(), "graph name") {
		t.Fatalf("expected graph name error, got %v", err)
	}
}

func TestValidateRequiresGroupStates(t *testing.T) {
	def := Definition{
		Graph:  "orders",
		Groups: []GroupDefinition{{Name: "open"}},
	}
	if err := def.Validate(); err == nil || !strings.Contains(err.Error(), "at least one state") {
		t.Fatalf("expected state requirement error, got %v", err)
	}
}

func TestValidateRejectsBadMask(t *testing.T) {
	def := Definition{
		Graph:  "orders",
		Groups: []GroupDefinition{{Name: "open", States: []string{"Draft", "Done"}}},
		Paths: []PathDefinition{{
			Name:    "finish",
			From:    "Draft",
			To:      "Done",
			ANDMask: "0xZZ",
		}},
	}
	if err := def.Validate(); err == nil || !strings.Contains(err.Error(), "invalid mask") {
		t.Fatalf("expected mask error, got %v", err)
	}
}

func TestValidateRejectsActionWithoutID(t *testing.T) {
	def := Definition{
		Graph:  "orders",
		Groups: []GroupDefinition{{Name: "open", States: []string{"Draft", "Done"}}},
		Paths: []PathDefinition{{
			Name: "finish",
			From: "Draft",
			To:   "Done",
			Pre:  []ActionDefinition{{Args: map[string]any{"k": "v"}}},
		}},
	}
	if err := def.Validate(); err == nil || !strings.Contains(err.Error(), "id is required") {
		t.Fatalf("expected action id error, got %v", err)
	}
}

func TestCompileRejectsDuplicateStateAcrossGroups(t *testing.T) {
	def := &Definition{
		Graph: "orders",
		Groups: []GroupDefinition{
			{Name: "open", States: []string{"Draft"}},
			{Name: "closed", States: []string{"draft"}},
		},
	}
	if _, err := Compile(def); err == nil || !strings.Contains(err.Error(), "duplicate state") {
		t.Fatalf("expected duplicate state error, got %v", err)
	}
}

func TestCompileRejectsUnknownEndpoint(t *testing.T) {
	def := &Definition{
		Graph:  "orders",
		Groups: []GroupDefinition{{Name: "open", States: []string{"Draft"}}},
		Paths: []PathDefinition{{
			Name: "finish",
			From: "Draft",
			To:   "Done",
		}},
	}
	if _, err := Compile(def); err == nil || !strings.Contains(err.Error(), "unknown to state") {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestCompileRejectsDuplicatePath(t *testing.T) {
	def := &Definition{
		Graph:  "orders",
		Groups: []GroupDefinition{{Name: "open", States: []string{"Draft", "Done"}}},
		Paths: []PathDefinition{
			{Name: "finish", From: "Draft", To: "Done"},
			{Name: "Finish", From: "Done", To: "Draft"},
		},
	}
	if _, err := Compile(def); err == nil || !strings.Contains(err.Error(), "duplicate path") {
		t.Fatalf("expected duplicate path error, got %v", err)
	}
}

func TestParseMaskAcceptsHexAndDecimal(t *testing.T) {
	if v, err := parseMask("0xFFFFFFFE", 0); err != nil || v != 0xFFFFFFFE {
		t.Fatalf("hex mask: 0x%08X %v", v, err)
	}
	if v, err := parseMask("6", 0); err != nil || v != 6 {
		t.Fatalf("decimal mask: %d %v", v, err)
	}
	if v, err := parseMask("  ", 0xFF); err != nil || v != 0xFF {
		t.Fatalf("empty mask must fall back: 0x%X %v", v, err)
	}
}
