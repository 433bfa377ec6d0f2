// Package validate applies JSON-Schema-lite constraints to tool
// parameters before dispatch (C7). It is grounded on the teacher's
// per-kind switch-dispatch guardrail pattern, generalized from
// content/PII/topic checks to type/enum/pattern/range parameter checks.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/search-mcp/search-mcp/internal/apperr"
)

// ParamType is one of the schema's five accepted parameter types.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// ParamSchema describes one parameter's constraints.
type ParamSchema struct {
	Name      string
	Type      ParamType
	Required  bool
	Enum      []any
	Pattern   string
	Minimum   *float64
	Maximum   *float64
	MinLength *int
	MaxLength *int
	Default   any
}

// Schema is an ordered set of parameter constraints for one tool.
type Schema []ParamSchema

// FieldError is one failed constraint, keyed by parameter name.
type FieldError struct {
	Field   string
	Message string
}

// Validate checks arguments (a decoded JSON object) against schema and
// returns every violation found, not just the first.
func Validate(schema Schema, arguments map[string]any) []FieldError {
	var errs []FieldError

	known := make(map[string]ParamSchema, len(schema))
	for _, p := range schema {
		known[p.Name] = p
	}

	for _, p := range schema {
		val, present := arguments[p.Name]
		if !present {
			if p.Required {
				errs = append(errs, FieldError{Field: p.Name, Message: fmt.Sprintf("Required parameter missing: %s", p.Name)})
			}
			continue
		}
		if err := validateOne(p, val); err != nil {
			errs = append(errs, *err)
		}
	}

	for name := range arguments {
		if _, ok := known[name]; !ok {
			errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("Unknown parameter: %s", name)})
		}
	}

	return errs
}

func validateOne(p ParamSchema, val any) *FieldError {
	switch p.Type {
	case TypeString:
		return validateString(p, val)
	case TypeNumber:
		return validateNumber(p, val)
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return typeMismatch(p.Name, "boolean")
		}
	case TypeObject:
		m, ok := val.(map[string]any)
		if !ok || m == nil {
			return typeMismatch(p.Name, "object")
		}
	case TypeArray:
		return validateArray(p, val)
	default:
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Unsupported parameter type for %s: %s", p.Name, p.Type)}
	}
	return nil
}

func typeMismatch(name, expected string) *FieldError {
	return &FieldError{Field: name, Message: fmt.Sprintf("Parameter %s must be of type %s", name, expected)}
}

func validateString(p ParamSchema, val any) *FieldError {
	s, ok := val.(string)
	if !ok {
		return typeMismatch(p.Name, "string")
	}
	if len(p.Enum) > 0 && !enumContains(p.Enum, s) {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be one of %v", p.Name, p.Enum)}
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return &FieldError{Field: p.Name, Message: fmt.Sprintf("Invalid pattern for parameter %s: %v", p.Name, err)}
		}
		if !re.MatchString(s) {
			return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s does not match required pattern", p.Name)}
		}
	}
	if p.MinLength != nil && len(s) < *p.MinLength {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be at least %d characters", p.Name, *p.MinLength)}
	}
	if p.MaxLength != nil && len(s) > *p.MaxLength {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be at most %d characters", p.Name, *p.MaxLength)}
	}
	return nil
}

func validateNumber(p ParamSchema, val any) *FieldError {
	n, ok := toFloat(val)
	if !ok {
		return typeMismatch(p.Name, "number")
	}
	if math.IsNaN(n) {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must not be NaN", p.Name)}
	}
	if len(p.Enum) > 0 && !enumContains(p.Enum, n) {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be one of %v", p.Name, p.Enum)}
	}
	if p.Minimum != nil && n < *p.Minimum {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be >= %v", p.Name, *p.Minimum)}
	}
	if p.Maximum != nil && n > *p.Maximum {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must be <= %v", p.Name, *p.Maximum)}
	}
	return nil
}

func validateArray(p ParamSchema, val any) *FieldError {
	arr, ok := val.([]any)
	if !ok {
		return typeMismatch(p.Name, "array")
	}
	if p.MinLength != nil && len(arr) < *p.MinLength {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must have at least %d items", p.Name, *p.MinLength)}
	}
	if p.MaxLength != nil && len(arr) > *p.MaxLength {
		return &FieldError{Field: p.Name, Message: fmt.Sprintf("Parameter %s must have at most %d items", p.Name, *p.MaxLength)}
	}
	return nil
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(enum []any, val any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(val) {
			return true
		}
	}
	return false
}

// ValidateOrThrow runs Validate and, if any violations were found, wraps
// them all in a single ValidationError.
func ValidateOrThrow(schema Schema, arguments map[string]any) error {
	errs := Validate(schema, arguments)
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
		fields = append(fields, e.Field)
	}
	return apperr.ValidationError(strings.Join(messages, "; "), map[string]any{"fields": fields})
}
