// Package schema validates JSON documents against JSON Schema.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator wraps a compiled schema so hot paths do not recompile per call.
type Validator struct {
	id       string
	compiled *jsonschema.Schema
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Validator{}
)

// Compile compiles a schema once and returns a reusable validator.
func Compile(id string, schema []byte) (*Validator, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{id: id, compiled: compiled}, nil
}

// MustCompile is Compile for embedded schemas known at build time.
func MustCompile(id string, schema []byte) *Validator {
	v, err := Compile(id, schema)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", id, err))
	}
	return v
}

// Validate checks value against the compiled schema.
func (v *Validator) Validate(value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := v.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema %s validation failed: %w", v.id, err)
	}
	return nil
}

// ValidateSchema validates a value against a JSON schema payload, caching
// the compiled form by id and body.
func ValidateSchema(id string, schema []byte, value any) error {
	key := id + "\x00" + string(schema)
	cacheMu.Lock()
	v, ok := cache[key]
	cacheMu.Unlock()
	if !ok {
		var err error
		v, err = Compile(id, schema)
		if err != nil {
			return err
		}
		cacheMu.Lock()
		cache[key] = v
		cacheMu.Unlock()
	}
	return v.Validate(value)
}

// ValidateMap validates a value against an inline schema map.
func ValidateMap(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return ValidateSchema("inline", data, value)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decodeNumbers(v)
	case []byte:
		return decodeNumbers(v)
	case map[string]any, []any, string, bool, json.Number:
		return value, nil
	default:
		// Structs and typed maps go through a JSON round trip so the
		// validator sees the same shape a peer would receive.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return decodeNumbers(data)
	}
}

func decodeNumbers(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
