package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/octavolabs/octavo/pkg/fault"
)

// schemaJSON pins the manifest wire shape. Consumers outside this
// process parse manifest.json directly, so the schema is the contract.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "manifest_version", "job_id", "source_id", "source_sha", "environment",
    "phases", "pass_states", "gate0_decision", "created_at", "updated_at",
    "final_status"
  ],
  "properties": {
    "manifest_version": {"type": "integer", "minimum": 1},
    "job_id": {"type": "string", "minLength": 1},
    "source_id": {"type": "string", "minLength": 1},
    "source_sha": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "environment": {"enum": ["dev", "test", "prod"]},
    "phases": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1
    },
    "pass_states": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["status"],
        "properties": {
          "status": {"enum": ["pending", "running", "succeeded", "failed", "skipped"]},
          "processed_count": {"type": "integer", "minimum": 0},
          "artifact_count": {"type": "integer", "minimum": 0},
          "duration_ms": {"type": "integer", "minimum": 0},
          "error": {"type": "string"}
        }
      }
    },
    "gate0_decision": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["BYPASS", "PROCEED", "DELTA"]},
        "prior_job_id": {"type": "string"},
        "changed_sections": {"type": "array", "items": {"type": "string"}}
      }
    },
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "final_status": {"enum": ["RUNNING", "SUCCEEDED", "SUCCEEDED_WITH_WARNINGS", "FAILED", "CANCELLED"]},
    "seal": {
      "type": "object",
      "required": ["algorithm", "key_id", "digest", "signature"],
      "properties": {
        "algorithm": {"type": "string"},
        "key_id": {"type": "string"},
        "digest": {"type": "string"},
        "signature": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://octavolabs.schemas.local/manifest.schema.json"
		if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

// ValidateBytes checks raw manifest JSON against the schema.
func ValidateBytes(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fault.Wrap(fault.IntegrityViolation, "manifest.validate", err)
	}
	if err := s.Validate(v); err != nil {
		return fault.Wrap(fault.IntegrityViolation, "manifest.validate", err)
	}
	return nil
}
