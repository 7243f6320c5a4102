package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lazypower/signalcore/internal/engine"
)

const maxBodyBytes = 1 << 20

var (
	ingestSchema = mustSchema(`{
		"type": "object",
		"required": ["source", "raw_content"],
		"properties": {
			"source": {"type": "string", "minLength": 1},
			"raw_content": {"type": "string", "minLength": 1},
			"metadata": {"type": "object", "additionalProperties": {"type": "string"}},
			"collected_at": {"type": "string", "format": "date-time"}
		}
	}`)

	routeSchema = mustSchema(`{
		"type": "object",
		"required": ["signal_ids", "destination"],
		"properties": {
			"signal_ids": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"destination": {"type": "string", "minLength": 1}
		}
	}`)

	mapSchema = mustSchema(`{
		"type": "object",
		"required": ["growth_type"],
		"properties": {"growth_type": {"type": "string", "minLength": 1}}
	}`)

	memorySchema = mustSchema(`{
		"type": "object",
		"required": ["term", "confidence"],
		"properties": {
			"term": {"type": "string", "minLength": 1},
			"definition": {"type": "string"},
			"confidence": {"type": "integer", "minimum": 0, "maximum": 100},
			"source": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"context_examples": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["text"],
					"properties": {"text": {"type": "string"}, "source": {"type": "string"}}
				}
			}
		}
	}`)

	ruleSchema = mustSchema(`{
		"type": "object",
		"required": ["name", "target_metric", "operator", "threshold", "outcome"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"target_metric": {"enum": ["score", "confidence"]},
			"operator": {"enum": [">=", ">", "<=", "<", "=="]},
			"threshold": {"type": "integer", "minimum": 0, "maximum": 100},
			"outcome": {"type": "string", "minLength": 1},
			"active": {"type": "boolean"}
		}
	}`)

	toggleSchema = mustSchema(`{
		"type": "object",
		"required": ["active"],
		"properties": {"active": {"type": "boolean"}}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// decodeBody validates the request body against schema and decodes it into v.
// Failures are reported as validation errors.
func decodeBody(r *http.Request, schema *gojsonschema.Schema, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return &engine.ValidationError{Field: "body", Msg: "read body failed"}
	}
	if len(body) > maxBodyBytes {
		return &engine.ValidationError{Field: "body", Msg: "request body too large"}
	}
	if !json.Valid(body) {
		return &engine.ValidationError{Field: "body", Msg: "invalid json"}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &engine.ValidationError{Field: "body", Msg: err.Error()}
	}
	if !result.Valid() {
		return &engine.ValidationError{Field: "body", Msg: schemaErrors(result.Errors())}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &engine.ValidationError{Field: "body", Msg: err.Error()}
	}
	return nil
}

// schemaErrors joins the first few schema violations.
func schemaErrors(errs []gojsonschema.ResultError) string {
	const maxShown = 3
	msgs := make([]string, 0, maxShown)
	for i, e := range errs {
		if i == maxShown {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(errs)-maxShown))
			break
		}
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
