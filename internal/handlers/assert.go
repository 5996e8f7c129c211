package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/loomrun/loom/internal/validation"
	"github.com/loomrun/loom/pkg/schema"
)

// AssertHandlers returns the assertion handlers. Assertions are automated
// steps that fail when a condition over workflow data does not hold, letting
// definitions gate later stages on earlier results.
func AssertHandlers(validator *validation.JSONSchemaValidator) []Handler {
	return []Handler{
		&assertEqualsHandler{},
		&assertContainsHandler{},
		&assertMatchesHandler{},
		&assertSchemaHandler{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 for consistent
// deep-equal comparison. JSON decoding produces float64 for numbers; this
// normalizes int, int64, json.Number so reflect.DeepEqual works across
// boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = map[string]any{"pass": true}

// --- assert.equals ---

type assertEqualsHandler struct{}

func (h *assertEqualsHandler) Name() string { return "assert.equals" }

func (h *assertEqualsHandler) Info() Info {
	return Info{Name: "assert.equals", Description: "Assert that two values are deeply equal."}
}

func (h *assertEqualsHandler) Validate(params map[string]any) error {
	if _, ok := params["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (h *assertEqualsHandler) Execute(_ context.Context, req Request) (any, error) {
	expected := normalizeJSON(req.Params["expected"])
	actual := normalizeJSON(req.Params["actual"])

	if reflect.DeepEqual(expected, actual) {
		return passResult, nil
	}

	msg := "assertion failed: values are not equal"
	if m, ok := req.Params["message"].(string); ok && m != "" {
		msg = m
	}

	return nil, schema.NewError(schema.ErrCodeStepFailed, msg).
		WithDetails(map[string]any{"expected": req.Params["expected"], "actual": req.Params["actual"]})
}

// --- assert.contains ---

type assertContainsHandler struct{}

func (h *assertContainsHandler) Name() string { return "assert.contains" }

func (h *assertContainsHandler) Info() Info {
	return Info{Name: "assert.contains", Description: "Assert that a string or array contains a value."}
}

func (h *assertContainsHandler) Validate(params map[string]any) error {
	if _, ok := params["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (h *assertContainsHandler) Execute(_ context.Context, req Request) (any, error) {
	haystack := req.Params["haystack"]
	needle := req.Params["needle"]

	msg := "assertion failed: value not found"
	if m, ok := req.Params["message"].(string); ok && m != "" {
		msg = m
	}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return passResult, nil
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return passResult, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesHandler struct{}

func (h *assertMatchesHandler) Name() string { return "assert.matches" }

func (h *assertMatchesHandler) Info() Info {
	return Info{Name: "assert.matches", Description: "Assert that a string matches a regular expression."}
}

func (h *assertMatchesHandler) Validate(params map[string]any) error {
	if _, ok := params["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	if _, ok := params["pattern"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	return nil
}

func (h *assertMatchesHandler) Execute(_ context.Context, req Request) (any, error) {
	value, _ := req.Params["value"].(string)
	pattern, _ := req.Params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg := "assertion failed: value does not match pattern"
		if m, ok := req.Params["message"].(string); ok && m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	return map[string]any{"pass": true, "matches": re.FindString(value)}, nil
}

// --- assert.schema ---

type assertSchemaHandler struct {
	validator *validation.JSONSchemaValidator
}

func (h *assertSchemaHandler) Name() string { return "assert.schema" }

func (h *assertSchemaHandler) Info() Info {
	return Info{Name: "assert.schema", Description: "Assert that data conforms to a JSON Schema."}
}

func (h *assertSchemaHandler) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' object parameter")
	}
	return nil
}

func (h *assertSchemaHandler) Execute(_ context.Context, req Request) (any, error) {
	dataMap, ok := req.Params["data"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be an object")
	}
	schemaMap, _ := req.Params["schema"].(map[string]any)

	if err := h.validator.ValidateInput(dataMap, schemaMap); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := req.Params["message"].(string); ok && m != "" {
			msg = m
		}
		details := map[string]any{"error": err.Error()}
		var lerr *schema.LoomError
		if errors.As(err, &lerr) && lerr.Details != nil {
			details["violations"] = lerr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).WithDetails(details)
	}

	return passResult, nil
}
