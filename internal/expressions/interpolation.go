package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomrun/loom/pkg/schema"
)

// ResolveString resolves ${{...}} references in s against the scope.
//
// When the entire string is a single reference (e.g. "${{data.order}}"),
// the resolved value is returned with its original type. Mixed strings
// ("order-${{instance.id}}") stringify every embedded value.
func ResolveString(s string, scope map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[3 : len(trimmed)-2]
		// Single reference only; a second ${{ means it is a mixed string.
		if !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			expr := strings.TrimSpace(inner)
			if expr == "" {
				return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
			}
			return resolveExpr(expr, scope)
		}
	}
	return resolveScan(s, scope)
}

// ResolveParams resolves every string value in a params map, recursing into
// nested maps and slices. Non-string leaves pass through unchanged.
func ResolveParams(params map[string]any, scope map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := ResolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveValue resolves references in a single value of any shape.
func ResolveValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasInterpolation(val) {
			return val, nil
		}
		return ResolveString(val, scope)
	case map[string]any:
		return ResolveParams(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveScan walks the string resolving each ${{...}} token and stringifying
// the resolved values in place.
func resolveScan(input string, scope map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		val, err := resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single reference path like "steps.fetch.output.url".
func resolveExpr(expr string, scope map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	sub, ok := scope[namespace].(map[string]any)
	if !ok {
		available := []string{ScopeData, ScopeMeta, ScopeSteps, ScopeInstance}
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}

	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	return resolveFromMap(sub, parts[1], expr, namespace)
}

// resolveFromMap resolves a dot-delimited field path from a namespace map.
func resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if len(data) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline string form.
// Strings embed without quotes; complex types JSON-encode.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks whether a string contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
