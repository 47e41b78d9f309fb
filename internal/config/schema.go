package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// manifestSchema is the structural contract for the manifest file. Semantic
// rules (dependency cycles, resource references, pool sizing) are checked
// separately in validate.go.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["tests"],
  "properties": {
    "num_worktrees": {"type": "integer", "minimum": 1},
    "resources": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "count": {"type": "integer", "minimum": 1},
          "tokens": {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    },
    "tests": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "command"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "command": {
            "oneOf": [
              {"type": "string", "minLength": 1},
              {"type": "array", "minItems": 1, "items": {"type": "string"}}
            ]
          },
          "needs_worktree": {"type": "boolean"},
          "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "resources": {
            "type": "array",
            "items": {
              "oneOf": [
                {"type": "string", "minLength": 1},
                {
                  "type": "object",
                  "additionalProperties": false,
                  "required": ["name"],
                  "properties": {
                    "name": {"type": "string", "minLength": 1},
                    "count": {"type": "integer", "minimum": 1}
                  }
                }
              ]
            }
          },
          "cache": {"enum": ["by_commit", "by_tree", "no_caching"]},
          "shutdown_grace_period_s": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
		panic(err)
	}
	s, err := c.Compile("manifest.json")
	if err != nil {
		panic(err)
	}
	return s
}

// validateSchema checks the raw manifest bytes against manifestSchema. The
// YAML document is round-tripped through encoding/json so the validator sees
// the canonical value types it expects.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize manifest: %w", err)
	}
	var v any
	if err := json.Unmarshal(jb, &v); err != nil {
		return fmt.Errorf("normalize manifest: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}
