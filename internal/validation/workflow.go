package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/orkestr/orkestr/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow step-list validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orkestr.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["key", "type"],
      "properties": {
        "key": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[a-zA-Z0-9_-]+$"
        },
        "type": {
          "type": "string",
          "enum": ["condition", "action", "ai_task", "end"]
        },
        "config": {
          "type": "object"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definitions before they can be published.
// Safe for concurrent use: the schema is compiled once.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a validator with the workflow schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://orkestr.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile("https://orkestr.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: wfSchema}, nil
}

// ValidateSteps checks a step list against the workflow schema and the publish
// invariants JSON Schema cannot express: unique keys, at least one end step,
// and a first step that does something before ending.
func (v *Validator) ValidateSteps(steps schema.Steps) error {
	doc, err := toJSONValue(map[string]any{"steps": steps})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow steps are not serializable").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if _, exists := seen[step.Key]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step key %q", step.Key)
		}
		seen[step.Key] = struct{}{}
	}

	if steps.FindEnd() == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no end step")
	}
	if steps[0].Type == schema.StepTypeEnd {
		return schema.NewError(schema.ErrCodeValidation, "first step cannot be an end step")
	}

	return nil
}

// toJSONValue round-trips a value through JSON so numbers come out as
// json.Number, the representation the schema validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema validation error into a typed engine
// error with a readable message.
func toEngineError(err error) error {
	var valErr *jsonschema.ValidationError
	if ok := asValidationError(err, &valErr); ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow definition invalid: %s", valErr.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeValidation, "workflow definition invalid").WithCause(err)
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	v, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = v
	}
	return ok
}
