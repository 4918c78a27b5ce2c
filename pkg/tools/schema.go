package tools

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// FormatValidator is a custom format validation function, given the
// checked string value, returning an error if it doesn't conform.
type FormatValidator func(value string) error

// SchemaValidator checks call arguments against a tool's ToolSchema
// (§4.1's validate operation / §4.2's pipeline validate step). It supports
// the subset of JSON Schema draft-07 that ToolSchema/Property expose:
// type, enum, string/number/array bounds, pattern, format, and nested
// object/array structures. Composition keywords (oneOf/anyOf/allOf/not)
// and $ref are intentionally out of scope, since no descriptor in this
// runtime declares them.
type SchemaValidator struct {
	schema          *ToolSchema
	customFormats   map[string]FormatValidator
	coercionEnabled bool
	maxDepth        int
}

// DefaultMaxSchemaDepth bounds validation recursion against deeply nested
// or self-referential argument payloads.
const DefaultMaxSchemaDepth = 100

// NewSchemaValidator constructs a validator for schema with type coercion
// enabled and the default recursion depth.
func NewSchemaValidator(schema *ToolSchema) *SchemaValidator {
	return &SchemaValidator{
		schema:          schema,
		customFormats:   make(map[string]FormatValidator),
		coercionEnabled: true,
		maxDepth:        DefaultMaxSchemaDepth,
	}
}

// SetCoercionEnabled toggles best-effort type coercion (e.g. numeric
// strings to numbers) before bounds checking.
func (v *SchemaValidator) SetCoercionEnabled(enabled bool) {
	v.coercionEnabled = enabled
}

// AddCustomFormat registers a validator for a custom "format" value.
func (v *SchemaValidator) AddCustomFormat(name string, fn FormatValidator) {
	v.customFormats[name] = fn
}

// Validate runs full validation and returns a ValidationResult carrying
// every error found and the (possibly coerced) data, matching the
// ValidateFunc contract tool descriptors register.
func (v *SchemaValidator) Validate(params map[string]interface{}) *ValidationResult {
	result := &ValidationResult{Success: true, Data: params}

	if v.schema == nil {
		return result
	}

	data := params
	if v.coercionEnabled {
		data = v.coerceObject(v.schema, params)
	}
	result.Data = data

	var errs []ValidationError
	v.validateObject(v.schema, data, "", 0, &errs)

	if len(errs) > 0 {
		result.Success = false
		result.Errors = errs
	}
	return result
}

func (v *SchemaValidator) validateObject(schema *ToolSchema, value map[string]interface{}, path string, depth int, errs *[]ValidationError) {
	if depth > v.maxDepth {
		*errs = append(*errs, ValidationError{Path: path, Message: "maximum validation depth exceeded", Code: "MAX_DEPTH"})
		return
	}

	if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
		for key := range value {
			if _, defined := schema.Properties[key]; !defined {
				*errs = append(*errs, ValidationError{Path: joinPath(path, key), Message: "additional property is not allowed", Code: "ADDITIONAL_PROPERTY"})
			}
		}
	}

	for _, required := range schema.Required {
		if _, exists := value[required]; !exists {
			*errs = append(*errs, ValidationError{Path: joinPath(path, required), Message: "required property is missing", Code: "REQUIRED"})
		}
	}

	for name, prop := range schema.Properties {
		propValue, exists := value[name]
		if !exists {
			continue
		}
		v.validateValue(prop, propValue, joinPath(path, name), depth+1, errs)
	}
}

func (v *SchemaValidator) validateValue(prop *Property, value interface{}, path string, depth int, errs *[]ValidationError) {
	if depth > v.maxDepth {
		*errs = append(*errs, ValidationError{Path: path, Message: "maximum validation depth exceeded", Code: "MAX_DEPTH"})
		return
	}

	if value == nil {
		if prop.Type != "" && prop.Type != "null" {
			*errs = append(*errs, ValidationError{Path: path, Message: "value cannot be null", Code: "NULL_NOT_ALLOWED"})
		}
		return
	}

	switch prop.Type {
	case "string":
		v.validateString(prop, value, path, errs)
	case "number":
		v.validateNumber(prop, value, path, errs)
	case "integer":
		v.validateInteger(prop, value, path, errs)
	case "boolean":
		if _, ok := value.(bool); !ok {
			*errs = append(*errs, ValidationError{Path: path, Message: "expected boolean", Code: "TYPE_MISMATCH"})
		}
	case "array":
		v.validateArray(prop, value, path, depth, errs)
	case "object":
		v.validateObjectProperty(prop, value, path, depth, errs)
	}

	if len(prop.Enum) > 0 {
		v.validateEnum(prop, value, path, errs)
	}
}

func (v *SchemaValidator) validateEnum(prop *Property, value interface{}, path string, errs *[]ValidationError) {
	for _, allowed := range prop.Enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return
		}
	}
	*errs = append(*errs, ValidationError{Path: path, Message: "value is not one of the allowed enum values", Code: "ENUM_MISMATCH"})
}

func (v *SchemaValidator) validateString(prop *Property, value interface{}, path string, errs *[]ValidationError) {
	s, ok := value.(string)
	if !ok {
		*errs = append(*errs, ValidationError{Path: path, Message: "expected string", Code: "TYPE_MISMATCH"})
		return
	}
	if prop.MinLength != nil && len(s) < *prop.MinLength {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("string shorter than minimum length %d", *prop.MinLength), Code: "MIN_LENGTH"})
	}
	if prop.MaxLength != nil && len(s) > *prop.MaxLength {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("string longer than maximum length %d", *prop.MaxLength), Code: "MAX_LENGTH"})
	}
	if prop.Pattern != "" {
		re, err := regexp.Compile(prop.Pattern)
		if err != nil {
			*errs = append(*errs, ValidationError{Path: path, Message: "invalid pattern in schema", Code: "INVALID_PATTERN"})
		} else if !re.MatchString(s) {
			*errs = append(*errs, ValidationError{Path: path, Message: "string does not match required pattern", Code: "PATTERN_MISMATCH"})
		}
	}
	if prop.Format != "" {
		if err := v.validateFormat(prop.Format, s); err != nil {
			*errs = append(*errs, ValidationError{Path: path, Message: err.Error(), Code: "FORMAT_MISMATCH"})
		}
	}
}

func (v *SchemaValidator) validateNumber(prop *Property, value interface{}, path string, errs *[]ValidationError) {
	n, ok := toFloat64(value)
	if !ok {
		*errs = append(*errs, ValidationError{Path: path, Message: "expected number", Code: "TYPE_MISMATCH"})
		return
	}
	v.checkBounds(prop, n, path, errs)
}

func (v *SchemaValidator) validateInteger(prop *Property, value interface{}, path string, errs *[]ValidationError) {
	n, ok := toFloat64(value)
	if !ok || n != float64(int64(n)) {
		*errs = append(*errs, ValidationError{Path: path, Message: "expected integer", Code: "TYPE_MISMATCH"})
		return
	}
	v.checkBounds(prop, n, path, errs)
}

func (v *SchemaValidator) checkBounds(prop *Property, n float64, path string, errs *[]ValidationError) {
	if prop.Minimum != nil && n < *prop.Minimum {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("value below minimum %v", *prop.Minimum), Code: "MINIMUM"})
	}
	if prop.Maximum != nil && n > *prop.Maximum {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("value above maximum %v", *prop.Maximum), Code: "MAXIMUM"})
	}
}

func (v *SchemaValidator) validateArray(prop *Property, value interface{}, path string, depth int, errs *[]ValidationError) {
	arr, ok := value.([]interface{})
	if !ok {
		*errs = append(*errs, ValidationError{Path: path, Message: "expected array", Code: "TYPE_MISMATCH"})
		return
	}
	if prop.MinItems != nil && len(arr) < *prop.MinItems {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("array shorter than minimum %d items", *prop.MinItems), Code: "MIN_ITEMS"})
	}
	if prop.MaxItems != nil && len(arr) > *prop.MaxItems {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("array longer than maximum %d items", *prop.MaxItems), Code: "MAX_ITEMS"})
	}
	if prop.UniqueItems != nil && *prop.UniqueItems {
		seen := make(map[string]bool, len(arr))
		for _, item := range arr {
			key := fmt.Sprintf("%v", item)
			if seen[key] {
				*errs = append(*errs, ValidationError{Path: path, Message: "array items must be unique", Code: "UNIQUE_ITEMS"})
				break
			}
			seen[key] = true
		}
	}
	if prop.Items != nil {
		for i, item := range arr {
			v.validateValue(prop.Items, item, fmt.Sprintf("%s[%d]", path, i), depth+1, errs)
		}
	}
}

func (v *SchemaValidator) validateObjectProperty(prop *Property, value interface{}, path string, depth int, errs *[]ValidationError) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		*errs = append(*errs, ValidationError{Path: path, Message: "expected object", Code: "TYPE_MISMATCH"})
		return
	}
	for _, required := range prop.Required {
		if _, exists := obj[required]; !exists {
			*errs = append(*errs, ValidationError{Path: joinPath(path, required), Message: "required property is missing", Code: "REQUIRED"})
		}
	}
	for name, nested := range prop.Properties {
		nestedValue, exists := obj[name]
		if !exists {
			continue
		}
		v.validateValue(nested, nestedValue, joinPath(path, name), depth+1, errs)
	}
}

func (v *SchemaValidator) validateFormat(format, value string) error {
	if fn, ok := v.customFormats[format]; ok {
		return fn(value)
	}
	switch format {
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("invalid email address")
		}
	case "uri", "url":
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("invalid URL")
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("invalid RFC3339 date-time")
		}
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return fmt.Errorf("invalid date")
		}
	case "uuid":
		if !uuidPattern.MatchString(value) {
			return fmt.Errorf("invalid UUID")
		}
	}
	return nil
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// coerceObject best-effort converts string-typed values to the types their
// schema declares (e.g. "42" -> 42) ahead of bounds checking, mirroring
// the teacher's permissive-input posture for callers that serialize all
// arguments as strings.
func (v *SchemaValidator) coerceObject(schema *ToolSchema, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, val := range params {
		prop, ok := schema.Properties[k]
		if !ok {
			out[k] = val
			continue
		}
		out[k] = v.coerceValue(val, prop)
	}
	return out
}

func (v *SchemaValidator) coerceValue(value interface{}, prop *Property) interface{} {
	s, isString := value.(string)
	if !isString {
		return value
	}
	switch prop.Type {
	case "number":
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	case "integer":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return float64(n)
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return value
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
