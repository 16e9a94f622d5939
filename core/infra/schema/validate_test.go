package schema

import (
	"encoding/json"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	if err := ValidateSchema("test", schema, map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	if err := ValidateSchema("test", schema, map[string]any{"nope": "bad"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestValidateMapInline(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
		"required": []any{"id"},
	}
	if err := ValidateMap(schema, map[string]any{"id": "x"}); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	if err := ValidateMap(schema, map[string]any{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestCompiledValidatorAcceptsStructs(t *testing.T) {
	v := MustCompile("item", []byte(`{"type":"object","properties":{"version":{"type":"integer","minimum":1}},"required":["version"]}`))
	type item struct {
		Version int64 `json:"version"`
	}
	if err := v.Validate(item{Version: 3}); err != nil {
		t.Fatalf("expected struct to validate: %v", err)
	}
	if err := v.Validate(item{Version: 0}); err == nil {
		t.Fatalf("expected minimum violation")
	}
	if err := v.Validate([]byte(`{"version":2}`)); err != nil {
		t.Fatalf("expected raw bytes to validate: %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	data := json.RawMessage(`{"k":"v","n":1}`)
	val, err := normalizeValue(data)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, ok := m["n"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", m["n"])
	}
	if _, err := normalizeValue([]byte(`{bad`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestValidateSchemaEmpty(t *testing.T) {
	if err := ValidateSchema("test", nil, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if _, err := Compile("test", []byte{}); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}
