package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kandev/agentexec/internal/execution"
)

// configSchema validates the caller-supplied execution config blob.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "repoUrl": {"type": "string", "minLength": 1},
    "baseBranch": {"type": "string", "pattern": "^[^\\s~^:?*\\[\\\\]+$"},
    "approvalPreset": {"enum": ["strict", "default", "permissive"]},
    "extras": {
      "type": "object",
      "properties": {
        "push": {"type": "boolean"},
        "createPr": {"type": "boolean"},
        "prTitle": {"type": "string"},
        "prBody": {"type": "string"}
      }
    }
  },
  "additionalProperties": false
}`

const configSchemaURL = "execution-config.json"

func compileConfigSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaURL, strings.NewReader(configSchema)); err != nil {
		return nil, fmt.Errorf("load schema resource: %w", err)
	}
	compiled, err := compiler.Compile(configSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// decodeConfig validates raw against the schema and decodes it. A nil raw
// is an empty config.
func decodeConfig(schema *jsonschema.Schema, raw map[string]interface{}) (execution.Config, error) {
	var cfg execution.Config
	if raw == nil {
		return cfg, nil
	}
	// Round-trip so Go values (ints, typed maps) look like decoded JSON.
	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("%w: config: %v", ErrInvalidRequest, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("%w: config: %v", ErrInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return cfg, fmt.Errorf("%w: config: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: config: %v", ErrInvalidRequest, err)
	}
	return cfg, nil
}

// encodeConfig turns a stored config back into the request form, for Reset.
func encodeConfig(cfg execution.Config) map[string]interface{} {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func extraBool(cfg execution.Config, key string, def bool) bool {
	if v, ok := cfg.Extras[key].(bool); ok {
		return v
	}
	return def
}

func extraString(cfg execution.Config, key string) string {
	s, _ := cfg.Extras[key].(string)
	return s
}
