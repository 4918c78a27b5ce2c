package tools_test

import (
	"testing"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func userSchema() *tools.ToolSchema {
	return &tools.ToolSchema{
		Type:     "object",
		Required: []string{"name", "age"},
		Properties: map[string]*tools.Property{
			"name": {Type: "string", MinLength: intPtr(1), MaxLength: intPtr(50)},
			"age":  {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(150)},
			"email": {Type: "string", Format: "email"},
			"role":  {Type: "string", Enum: []interface{}{"admin", "member"}},
		},
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestSchemaValidator_ValidInput(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": 36})
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
}

func TestSchemaValidator_MissingRequired(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada"})
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "REQUIRED", result.Errors[0].Code)
}

func TestSchemaValidator_TypeMismatch(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": "not-a-number"})
	require.False(t, result.Success)
	assert.Equal(t, "TYPE_MISMATCH", result.Errors[0].Code)
}

func TestSchemaValidator_CoercesNumericStrings(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": "36"})
	require.True(t, result.Success)
	assert.Equal(t, float64(36), result.Data["age"])
}

func TestSchemaValidator_BoundsChecked(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": 200})
	require.False(t, result.Success)
	assert.Equal(t, "MAXIMUM", result.Errors[0].Code)
}

func TestSchemaValidator_EnumMismatch(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": 30, "role": "superuser"})
	require.False(t, result.Success)
	assert.Equal(t, "ENUM_MISMATCH", result.Errors[0].Code)
}

func TestSchemaValidator_FormatValidation(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	result := v.Validate(map[string]interface{}{"name": "Ada", "age": 30, "email": "not-an-email"})
	require.False(t, result.Success)
	assert.Equal(t, "FORMAT_MISMATCH", result.Errors[0].Code)
}

func TestSchemaValidator_CustomFormat(t *testing.T) {
	v := tools.NewSchemaValidator(&tools.ToolSchema{
		Type: "object",
		Properties: map[string]*tools.Property{
			"code": {Type: "string", Format: "zip"},
		},
	})
	v.AddCustomFormat("zip", func(value string) error {
		if len(value) != 5 {
			return assert.AnError
		}
		return nil
	})

	bad := v.Validate(map[string]interface{}{"code": "123"})
	require.False(t, bad.Success)

	good := v.Validate(map[string]interface{}{"code": "12345"})
	assert.True(t, good.Success)
}

func TestSchemaValidator_NestedArrayItems(t *testing.T) {
	v := tools.NewSchemaValidator(&tools.ToolSchema{
		Type: "object",
		Properties: map[string]*tools.Property{
			"tags": {Type: "array", Items: &tools.Property{Type: "string"}, MinItems: intPtr(1)},
		},
	})

	result := v.Validate(map[string]interface{}{"tags": []interface{}{"a", 5}})
	require.False(t, result.Success)
	assert.Equal(t, "TYPE_MISMATCH", result.Errors[0].Code)
}

func TestSchemaValidator_AdditionalPropertiesRejected(t *testing.T) {
	falseVal := false
	v := tools.NewSchemaValidator(&tools.ToolSchema{
		Type:                 "object",
		Properties:           map[string]*tools.Property{"name": {Type: "string"}},
		AdditionalProperties: &falseVal,
	})

	result := v.Validate(map[string]interface{}{"name": "Ada", "extra": "nope"})
	require.False(t, result.Success)
	assert.Equal(t, "ADDITIONAL_PROPERTY", result.Errors[0].Code)
}

func TestSchemaValidator_CoercionCanBeDisabled(t *testing.T) {
	v := tools.NewSchemaValidator(userSchema())
	v.SetCoercionEnabled(false)

	result := v.Validate(map[string]interface{}{"name": "Ada", "age": "36"})
	require.False(t, result.Success, "without coercion, a numeric string must fail type checking")
}
