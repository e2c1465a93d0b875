package judgment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const assessmentSchemaURL = "threat-assessment.schema.json"

// assessmentSchema is sent to the provider as the structured-output contract
// and used to validate what comes back.
const assessmentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ThreatAssessment",
  "type": "object",
  "required": ["overallRiskScore", "threatDetected", "threats", "recommendedAction", "reasoning", "evidenceCitations"],
  "properties": {
    "overallRiskScore": {"type": "number"},
    "threatDetected": {"type": "boolean"},
    "threats": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "confidence", "indicators", "estimatedImpactUsd"],
        "properties": {
          "category": {"type": "string"},
          "confidence": {"type": "number"},
          "indicators": {"type": "array", "items": {"type": "string"}},
          "estimatedImpactUsd": {"type": "number"}
        }
      }
    },
    "recommendedAction": {"enum": ["NONE", "ALERT", "RATE_LIMIT", "DRAIN_BLOCK", "PAUSE"]},
    "reasoning": {"type": "string"},
    "evidenceCitations": {"type": "array", "items": {"type": "string"}}
  }
}`

func compileAssessmentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(assessmentSchemaURL, strings.NewReader(assessmentSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(assessmentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
