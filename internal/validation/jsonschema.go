package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/loomrun/loom/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchemaJSON is the JSON Schema for definition documents. Embedded as
// a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomrun.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "version", "steps", "initial", "terminals"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "edges": {
      "type": "array",
      "items": {"$ref": "#/$defs/edge"}
    },
    "initial": {"type": "string", "minLength": 1},
    "terminals": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "kind": {
          "type": "string",
          "enum": ["automated", "human", "gateway", "timer", "callback", "sequential", "parallel", "conditional"]
        },
        "description": {"type": "string"},
        "guard": {"type": "string"},
        "automated": {
          "type": "object",
          "required": ["handler"],
          "properties": {
            "handler": {"type": "string", "minLength": 1},
            "params": {"type": "object"},
            "retry": {"$ref": "#/$defs/retry"}
          },
          "additionalProperties": false
        },
        "human": {
          "type": "object",
          "required": ["title"],
          "properties": {
            "title": {"type": "string", "minLength": 1},
            "input_schema": {"type": "object"},
            "assignee": {"type": "string"},
            "due_in": {"$ref": "#/$defs/duration"}
          },
          "additionalProperties": false
        },
        "gateway": {
          "type": "object",
          "required": ["routes"],
          "properties": {
            "mode": {"type": "string", "enum": ["exclusive", "inclusive"]},
            "routes": {
              "type": "array",
              "minItems": 1,
              "items": {
                "type": "object",
                "required": ["to"],
                "properties": {
                  "when": {"type": "string"},
                  "to": {"type": "string", "minLength": 1}
                },
                "additionalProperties": false
              }
            },
            "default": {"type": "string"}
          },
          "additionalProperties": false
        },
        "timer": {
          "type": "object",
          "properties": {
            "duration": {"$ref": "#/$defs/duration"},
            "duration_from": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        },
        "callback": {
          "type": "object",
          "required": ["token"],
          "properties": {
            "token": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        },
        "children": {
          "type": "array",
          "items": {"$ref": "#/$defs/step"}
        },
        "join": {"$ref": "#/$defs/step"},
        "selector": {"type": "string"},
        "branches": {
          "type": "object",
          "additionalProperties": {"$ref": "#/$defs/step"}
        },
        "default": {"type": "string"}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string", "minLength": 1},
        "guard": {"type": "string"}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "backoff": {"type": "string", "enum": ["none", "constant", "linear", "exponential"]},
        "delay": {"$ref": "#/$defs/duration"},
        "max_delay": {"$ref": "#/$defs/duration"}
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    }
  }
}`

// JSONSchemaValidator implements structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the document schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource("https://loomrun.dev/schemas/definition.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}

	docSchema, err := c.Compile("https://loomrun.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	return &JSONSchemaValidator{
		documentSchema: docSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a definition document against the document JSON
// Schema.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.DefinitionDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition document is nil")
	}

	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition document").WithCause(err)
	}

	if err := v.documentSchema.Validate(val); err != nil {
		return toLoomError(err)
	}
	return nil
}

// ValidateInput validates a payload against a JSON Schema given as a plain
// map, as carried by human task steps. The compiled schema is cached for
// subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if input == nil {
		input = map[string]any{}
	}

	schemaBytes, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Round-trip so numbers become json.Number, as the library expects.
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toLoomError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions; a fresh
	// compiler per schema avoids resource clashes.
	url := fmt.Sprintf("loom://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numeric values
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLoomError converts a jsonschema.ValidationError into a LoomError with
// the individual violations listed in the details.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
