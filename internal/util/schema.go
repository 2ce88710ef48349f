package util

import (
	"fmt"
	"slices"
	"strconv"
)

// ValidationError reports the first argument that does not satisfy a tool's
// parameter schema. Field is a dotted path such as "items.2.sku".
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateParameters checks tool arguments against the subset of JSON Schema
// that tool declarations use: type, properties, required, enum and items.
// Unknown keywords and undeclared properties are accepted.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(path string, obj map[string]any, schema map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)

	for name, value := range obj {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}

		if err := validateValue(join(path, name), value, prop); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(path string, value any, schema map[string]any) error {
	// Optional arguments are often sent as explicit nulls.
	if value == nil {
		return nil
	}

	want, _ := schema["type"].(string)
	if !hasType(value, want) {
		return &ValidationError{Field: path, Value: value, Message: fmt.Sprintf("expected type %s, got %T", want, value)}
	}

	if enum := anyList(schema["enum"]); len(enum) > 0 && !slices.Contains(enum, value) {
		return &ValidationError{Field: path, Value: value, Message: fmt.Sprintf("value must be one of %v", enum)}
	}

	switch v := value.(type) {
	case map[string]any:
		return validateObject(path, v, schema)
	case []any:
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}

		for i, item := range v {
			if err := validateValue(join(path, strconv.Itoa(i)), item, items); err != nil {
				return err
			}
		}
	}

	return nil
}

func hasType(value any, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	case "number":
		_, ok := asFloat(value)
		return ok
	case "integer":
		// Decoded JSON numbers arrive as float64.
		f, ok := asFloat(value)
		return ok && f == float64(int64(f))
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// stringList reads "required", which is []string in Go literals and []any
// after JSON decoding.
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, s := range l {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func anyList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
