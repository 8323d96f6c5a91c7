package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chanops/pkg/schema"
)

const collectionSchemaURL = "https://chanops.dev/schemas/collection.json"

// collectionSchemaJSON describes a persisted collection document. Name
// enums are case-insensitive, matching channel.ParseBasis and
// channel.ParseBehavior.
const collectionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chanops.dev/schemas/collection.json",
  "type": "object",
  "required": ["name", "channels"],
  "properties": {
    "version": { "type": "integer", "minimum": 0, "maximum": 1 },
    "id": { "type": "string" },
    "name": { "$ref": "#/$defs/name" },
    "channels": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/channel" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "name": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[^/]+$"
    },
    "behavior": {
      "type": "string",
      "pattern": "(?i)^(default|hold|cycle|extend|slope|cycleoffset|oscillate)$"
    },
    "channel": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "alias": { "type": "string" },
        "default": { "type": "number" },
        "default_string": { "type": "string" },
        "offset": { "type": "number" },
        "left": { "$ref": "#/$defs/behavior" },
        "right": { "$ref": "#/$defs/behavior" },
        "locked": { "type": "boolean" },
        "inactive": { "type": "boolean" },
        "segments": {
          "type": "array",
          "items": { "$ref": "#/$defs/segment" }
        },
        "disabled": {
          "type": "array",
          "items": { "$ref": "#/$defs/disabled" }
        }
      },
      "additionalProperties": false
    },
    "segment": {
      "type": "object",
      "required": ["start", "length", "basis"],
      "properties": {
        "start": { "type": "number" },
        "length": { "type": "number", "minimum": 0 },
        "basis": {
          "type": "string",
          "pattern": "(?i)^(constant|linear|cubic|bezier|ease|easein|easeout|spline|qlinear|qcubic|expression)$"
        },
        "in_value": { "type": "number" },
        "out_value": { "type": "number" },
        "in_slope": { "type": "number" },
        "out_slope": { "type": "number" },
        "in_accel": { "type": "number" },
        "out_accel": { "type": "number" },
        "ties": {
          "type": "array",
          "uniqueItems": true,
          "items": { "enum": ["in_value", "out_value", "in_slope", "out_slope", "in_accel", "out_accel"] }
        },
        "locks": {
          "type": "array",
          "uniqueItems": true,
          "items": { "enum": ["start", "end", "length"] }
        },
        "expression": {
          "type": "object",
          "required": ["text"],
          "properties": {
            "text": { "type": "string", "minLength": 1 },
            "language": { "enum": ["", "expr", "cel", "jq"] }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "disabled": {
      "type": "object",
      "required": ["start", "end"],
      "properties": {
        "start": { "type": "number" },
        "end": { "type": "number" },
        "hold": { "type": "number" }
      },
      "additionalProperties": false
    }
  }
}`

// CollectionValidator validates collection documents against the collection
// JSON Schema (Draft 2020-12) and then runs the semantic checks the schema
// cannot express. It is safe for concurrent use.
type CollectionValidator struct {
	collectionSchema *jsonschema.Schema
	compiler         ExpressionCompiler
}

var _ Validator = (*CollectionValidator)(nil)

// NewCollectionValidator compiles the collection schema. A nil compiler
// skips expression compilation checks.
func NewCollectionValidator(compiler ExpressionCompiler) (*CollectionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(collectionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal collection schema: %w", err)
	}
	if err := c.AddResource(collectionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add collection schema resource: %w", err)
	}
	compiled, err := c.Compile(collectionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile collection schema: %w", err)
	}
	return &CollectionValidator{collectionSchema: compiled, compiler: compiler}, nil
}

// ValidateDefinition returns nil when def may be loaded. Warnings do not
// fail validation.
func (v *CollectionValidator) ValidateDefinition(def *schema.CollectionDefinition) error {
	return v.Validate(def).ToError()
}

// Validate runs the full pipeline and returns every error and warning.
// Semantic checks run only when the document is structurally valid.
func (v *CollectionValidator) Validate(def *schema.CollectionDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "collection definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize collection definition: "+err.Error())
		return result
	}
	result.Collection = def.Name
	if err := v.collectionSchema.Validate(doc); err != nil {
		addViolations(result, err, def)
		return result
	}

	result.Merge(validateSemantic(def, v.compiler))
	return result
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations flattens a jsonschema.ValidationError tree into result,
// one issue per leaf. Leaves under a channel name it and its segment.
func addViolations(result *schema.ValidationResult, err error, def *schema.CollectionDefinition) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	for _, leaf := range leaves(verr) {
		loc := "/" + strings.Join(leaf.InstanceLocation, "/")
		issue := schema.ValidationIssue{
			Path:     loc,
			Code:     schema.ErrCodeValidation,
			Message:  fmt.Sprintf("%s: %s", loc, leaf.Error()),
			Severity: schema.SeverityError,
		}
		issue.Channel, issue.Segment = locate(def, leaf.InstanceLocation)
		result.Errors = append(result.Errors, issue)
	}
}

// locate maps an instance location such as channels/2/segments/0/basis to
// the channel name and segment index it points into.
func locate(def *schema.CollectionDefinition, loc []string) (string, *int) {
	if len(loc) < 2 || loc[0] != "channels" {
		return "", nil
	}
	i, err := strconv.Atoi(loc[1])
	if err != nil || i < 0 || i >= len(def.Channels) {
		return "", nil
	}
	name := def.Channels[i].Name
	if name == "" {
		name = loc[1]
	}
	if len(loc) < 4 || loc[2] != "segments" {
		return name, nil
	}
	j, err := strconv.Atoi(loc[3])
	if err != nil {
		return name, nil
	}
	return name, &j
}

func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}
