package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrValidation = errors.New("plan validation failed")

// argumentSchemas are the JSON Schemas for each function's arguments. They
// mirror the constraints stated in the planning prompt.
var argumentSchemas = map[FunctionName]string{
	FunctionCreateEmail: `{
		"type": "object",
		"properties": {
			"to": {"type": "string", "format": "email", "pattern": "^[^\\r\\n]*$"},
			"subject": {"type": "string", "minLength": 1, "pattern": "^[^\\r\\n]*$"},
			"body": {"type": "string", "minLength": 1},
			"cc": {
				"type": "string",
				"pattern": "^[^\\r\\n]*$",
				"anyOf": [{"maxLength": 0}, {"format": "email"}]
			}
		},
		"required": ["to", "subject", "body"],
		"additionalProperties": false
	}`,
	FunctionCreateDoc: `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["title"],
		"additionalProperties": false
	}`,
	FunctionCreateCalendarEvent: `{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"start_time": {"type": "string", "format": "date-time"},
			"end_time": {"type": "string", "format": "date-time"},
			"description": {"type": "string"}
		},
		"required": ["summary"],
		"additionalProperties": false
	}`,
}

// ArgumentSchema returns the raw JSON Schema for a function's arguments.
func ArgumentSchema(name FunctionName) (string, bool) {
	schema, ok := argumentSchemas[name]
	return schema, ok
}

// Validator checks planner output against the plan schema before anything
// is persisted or executed.
type Validator struct {
	schemas map[FunctionName]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[FunctionName]*jsonschema.Schema, len(argumentSchemas))}
	for _, name := range AllFunctions {
		raw, ok := argumentSchemas[name]
		if !ok {
			return nil, fmt.Errorf("no argument schema for %s", name)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		schemaURL := fmt.Sprintf("https://workspaceai.schemas.local/plans/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// MustNewValidator panics if the built-in schemas fail to compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) ValidatePlan(plan Plan) error {
	if !plan.FunctionName.Valid() {
		return fmt.Errorf("%w: unknown function_name %q", ErrValidation, plan.FunctionName)
	}
	if plan.Arguments == nil {
		return fmt.Errorf("%w: %s: arguments are required", ErrValidation, plan.FunctionName)
	}
	schema, ok := v.schemas[plan.FunctionName]
	if !ok {
		return fmt.Errorf("%w: %s: no schema registered", ErrValidation, plan.FunctionName)
	}
	if err := schema.Validate(plan.Arguments); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, plan.FunctionName, err)
	}
	return nil
}

// ValidatePlans rejects empty batches and reports the first invalid plan.
func (v *Validator) ValidatePlans(plans []Plan) error {
	if len(plans) == 0 {
		return fmt.Errorf("%w: action intent without plans", ErrValidation)
	}
	for i, plan := range plans {
		if err := v.ValidatePlan(plan); err != nil {
			return fmt.Errorf("plan %d: %w", i, err)
		}
	}
	return nil
}
