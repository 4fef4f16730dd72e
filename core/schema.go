package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator validates structured values against JSON schemas at the
// resolver boundary. Compiled schemas are cached by their source text so
// repeated dispatch does not recompile.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks value against the raw schema. A nil or empty schema
// accepts everything. Violations surface as a Validation TaskError carrying
// the schema error text in details.
func (v *SchemaValidator) Validate(schema json.RawMessage, value interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return WrapTaskError(KindConfiguration, "invalid schema", err)
	}
	// The jsonschema library validates the generic JSON representation, so
	// round-trip the value through encoding/json first.
	raw, err := json.Marshal(value)
	if err != nil {
		return WrapTaskError(KindValidation, "value is not JSON-encodable", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return WrapTaskError(KindValidation, "value is not JSON-decodable", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return WrapTaskError(KindValidation, "schema validation failed", err).
			WithDetails(map[string]interface{}{"schema_error": err.Error()})
	}
	return nil
}

func (v *SchemaValidator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// SchemaProperties returns the top-level property names a JSON schema
// advertises. The composer uses this to wire data dependencies between
// steps from their result schemas.
func SchemaProperties(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	return names
}

// SchemaRequired returns the required property names of a JSON schema.
func SchemaRequired(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	return doc.Required
}
