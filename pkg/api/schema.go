package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const metricsSchema = `{
  "type": "object",
  "required": ["rho", "ece", "rho_bias", "delta_linf", "cost_delta", "consent", "eco_ok"],
  "properties": {
    "rho": {"type": "number"},
    "ece": {"type": "number", "minimum": 0},
    "rho_bias": {"type": "number"},
    "delta_linf": {"type": "number"},
    "cost_delta": {"type": "number"},
    "consent": {"type": "boolean"},
    "eco_ok": {"type": "boolean"},
    "extra": {"type": "object", "additionalProperties": {"type": "number"}}
  },
  "additionalProperties": false
}`

var schemaSources = map[string]string{
	"metrics": metricsSchema,
	"dispatch": `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "model": {"type": "string"},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["system", "user", "assistant", "tool"]},
          "content": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "options": {
      "type": "object",
      "properties": {
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "top_p": {"type": "number", "minimum": 0, "maximum": 1},
        "max_tokens": {"type": "integer", "minimum": 1},
        "seed": {"type": "integer"}
      },
      "additionalProperties": false
    },
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "gate": {"$ref": "metrics.schema.json"},
    "cache_ttl_seconds": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`,
	"admit": `{
  "type": "object",
  "required": ["action", "metrics"],
  "properties": {
    "action": {"type": "string", "minLength": 1},
    "metrics": {"$ref": "metrics.schema.json"}
  },
  "additionalProperties": false
}`,
}

const schemaBase = "https://sigmaguard.schemas.local/api/"

type validators map[string]*jsonschema.Schema

func compileSchemas() (validators, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, src := range schemaSources {
		if err := c.AddResource(schemaBase+name+".schema.json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("api: load schema %s: %w", name, err)
		}
	}
	out := make(validators, len(schemaSources))
	for name := range schemaSources {
		s, err := c.Compile(schemaBase + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("api: compile schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// validate checks body against the named schema.
func (v validators) validate(name string, body []byte) error {
	doc, err := unmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := v[name].Validate(doc); err != nil {
		return err
	}
	return nil
}

// unmarshalJSON decodes a single JSON value with numbers preserved as
// json.Number, as jsonschema/v5 expects for Validate.
func unmarshalJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}
