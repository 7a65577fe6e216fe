package config

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// runConfigSchema is the contract the config must satisfy before an episode
// may allocate any resource. Kept as JSON Schema so operators can validate
// files outside the broker too.
const runConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "workdir_root", "agent"],
  "properties": {
    "version": {"const": 1},
    "preferred_port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "port_max_attempts": {"type": "integer", "minimum": 1, "maximum": 1024},
    "request_timeout_ms": {"type": "integer", "minimum": 1},
    "max_steps": {"type": "integer", "minimum": 1},
    "max_turns": {"type": "integer", "minimum": 1},
    "deadline_ms": {"type": "integer", "minimum": 1},
    "shutdown_grace_ms": {"type": "integer", "minimum": 0},
    "workdir_root": {"type": "string", "minLength": 1},
    "output_dir": {"type": "string"},
    "exclude_globs": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "agent": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "command": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "minLength": 1}
        },
        "api_key": {"type": "string"},
        "env": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("run_config.schema.json", strings.NewReader(runConfigSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("run_config.schema.json")
}
