package template

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// templateSchema is the JSON Schema every raw template document must
// satisfy before it is decoded. Structural errors (missing startStep,
// unknown step type, malformed trigger rule) are caught here with
// field-level messages instead of surfacing as zero values later.
const templateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "triggers", "dsl"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "priority": {"type": "integer"},
    "isActive": {"type": "boolean"},
    "triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["events"],
        "properties": {
          "events": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
          "entityTypes": {"type": "array", "items": {"type": "string"}},
          "conditions": {"type": "array", "items": {"$ref": "#/definitions/condition"}},
          "cooldownSeconds": {"type": "integer", "minimum": 0},
          "maxExecutions": {"type": "integer", "minimum": 0}
        }
      }
    },
    "dsl": {
      "type": "object",
      "required": ["startStep", "steps"],
      "properties": {
        "startStep": {"type": "string", "minLength": 1},
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"enum": ["module_task", "approval", "notification", "delay", "condition", "parallel", "manual"]},
              "name": {"type": "string"},
              "module": {"type": "string"},
              "config": {"type": "object"},
              "timeout": {"type": "integer", "minimum": 0},
              "retryCount": {"type": "integer", "minimum": 0},
              "nextSteps": {"type": "array", "items": {"type": "string"}},
              "conditions": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["field", "operator", "nextStep"],
                  "properties": {
                    "field": {"type": "string"},
                    "operator": {"type": "string"},
                    "value": {},
                    "nextStep": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  },
  "definitions": {
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {"type": "string"},
        "value": {}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(templateSchema)

// ParseError reports an invalid template DSL. The trigger engine skips
// the offending template and continues with the others.
type ParseError struct {
	TemplateName string
	Detail       string
}

func (e *ParseError) Error() string {
	if e.TemplateName == "" {
		return fmt.Sprintf("template: parse: %s", e.Detail)
	}
	return fmt.Sprintf("template %q: parse: %s", e.TemplateName, e.Detail)
}

// Parse validates raw template JSON against the DSL schema, decodes it,
// and runs structural validation on the step graph. Returns a *ParseError
// on any failure.
func Parse(raw []byte) (*Template, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}
	if !result.Valid() {
		detail := ""
		for i, desc := range result.Errors() {
			if i > 0 {
				detail += "; "
			}
			detail += desc.String()
		}
		return nil, &ParseError{Detail: detail}
	}

	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the structural invariants of the step graph: step ids
// are unique, startStep resolves, and every successor and branch target
// names an existing step.
func (t *Template) Validate() error {
	if len(t.DSL.Steps) == 0 {
		return &ParseError{TemplateName: t.Name, Detail: "dsl has no steps"}
	}

	ids := make(map[string]struct{}, len(t.DSL.Steps))
	for _, s := range t.DSL.Steps {
		if _, dup := ids[s.ID]; dup {
			return &ParseError{TemplateName: t.Name, Detail: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = struct{}{}
	}

	if _, ok := ids[t.DSL.StartStep]; !ok {
		return &ParseError{TemplateName: t.Name, Detail: fmt.Sprintf("startStep %q does not exist", t.DSL.StartStep)}
	}

	for _, s := range t.DSL.Steps {
		for _, next := range s.NextSteps {
			if _, ok := ids[next]; !ok {
				return &ParseError{
					TemplateName: t.Name,
					Detail:       fmt.Sprintf("step %q references unknown next step %q", s.ID, next),
				}
			}
		}
		for _, br := range s.Conditions {
			if _, ok := ids[br.NextStep]; !ok {
				return &ParseError{
					TemplateName: t.Name,
					Detail:       fmt.Sprintf("step %q branch references unknown step %q", s.ID, br.NextStep),
				}
			}
		}
	}

	return nil
}
