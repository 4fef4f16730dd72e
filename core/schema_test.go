package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var textSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`)

func TestSchemaValidateAccepts(t *testing.T) {
	v := NewSchemaValidator()
	err := v.Validate(textSchema, map[string]interface{}{"text": "hi"})
	assert.NoError(t, err)
}

func TestSchemaValidateRejects(t *testing.T) {
	v := NewSchemaValidator()
	err := v.Validate(textSchema, map[string]interface{}{"text": 42})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	err = v.Validate(textSchema, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestSchemaValidateEmptySchemaAcceptsAll(t *testing.T) {
	v := NewSchemaValidator()
	assert.NoError(t, v.Validate(nil, map[string]interface{}{"anything": true}))
}

func TestSchemaValidateCachesCompiled(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.Validate(textSchema, map[string]interface{}{"text": "a"}))
	require.NoError(t, v.Validate(textSchema, map[string]interface{}{"text": "b"}))
	assert.Len(t, v.cache, 1)
}

func TestSchemaProperties(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"string"}},"required":["a"]}`)
	props := SchemaProperties(schema)
	assert.ElementsMatch(t, []string{"a", "b"}, props)
	assert.Equal(t, []string{"a"}, SchemaRequired(schema))
	assert.Nil(t, SchemaProperties(nil))
}
