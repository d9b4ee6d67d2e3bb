package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// reportSchemaJSON is the wire contract for helper report payloads. Extra
// properties are tolerated (helpers ship ahead of servers); the typed fields
// must at least be the right shape before ingestion touches the ledger.
const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "actionLogId": {"type": "string"},
    "actionId": {"type": "string"},
    "success": {"type": "boolean"},
    "output": {"type": "string"},
    "host": {"type": "string"},
    "timestamp": {"type": "string"},
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "uri": {"type": "string"},
          "hash": {"type": "string"},
          "data": {"type": "string"}
        },
        "required": ["type"]
      }
    },
    "rollbackPoint": {
      "type": "object",
      "properties": {
        "method": {"type": "string", "minLength": 1},
        "data": {}
      },
      "required": ["method"]
    }
  }
}`

var reportSchema = jsonschema.MustCompileString("report.json", reportSchemaJSON)

// validateReportShape checks a raw report body against the schema.
func validateReportShape(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return reportSchema.Validate(doc)
}
