package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildTableJSONSchema returns the JSON-Schema (draft 2020-12 subset) the
// finalize stage's consolidated output must satisfy.
func BuildTableJSONSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"tables"},
		"properties": map[string]any{
			"tables": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"columns", "rows"},
					"properties": map[string]any{
						"table_index": map[string]any{"type": "integer", "minimum": 1},
						"columns": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
						"rows": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "object"},
						},
					},
				},
			},
		},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
