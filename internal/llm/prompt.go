package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Size caps applied to JSON embedded in prompts, keeping request size (and
// token cost) bounded regardless of how large the per-image outputs grew.
const (
	validationEmbedCap  = 2000
	extractionsEmbedCap = 3000
	validationsEmbedCap = 1500
)

// BuildExtractionPrompt builds the stage-2 prompt asking the model to pull
// tables out of one page image.
func BuildExtractionPrompt(columns []string, multipleTables bool) string {
	var b strings.Builder
	b.WriteString("Extract the table(s) from this image and return the data as a JSON object.\n\n")

	if len(columns) > 0 {
		b.WriteString("Extract only these columns: ")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(".\nIf a column is not found in the table, include it with null values.\n\n")
	} else {
		b.WriteString("Auto-detect all columns in the table(s).\n\n")
	}

	if multipleTables {
		b.WriteString("There may be multiple tables in the image. Extract all of them.\n\n")
	}

	b.WriteString(`Return the data in the following JSON format:
{
  "tables": [
    {
      "table_index": 1,
      "columns": ["column1", "column2", ...],
      "rows": [
        {"column1": "value1", "column2": "value2", ...},
        ...
      ]
    }
  ]
}

If there is only one table, still wrap it in the "tables" array.
Ensure all values are properly extracted and formatted.
Return ONLY valid JSON, no additional text or markdown formatting.`)

	return b.String()
}

// BuildValidationPrompt builds the stage-3 prompt asking the model to flag
// issues in one page's extraction without fixing them.
func BuildValidationPrompt(extraction any, imageIndex, totalImages int) string {
	return fmt.Sprintf(`Validate table extraction from image %d/%d.

Extracted data: %s

Identify issues (don't fix): missing data, misaligned columns, wrong types, missing rows.

Return JSON:
{"image_index":%d,"issues":[{"type":"missing_data","description":"...","severity":"high|medium|low"}],"overall_quality":"good|fair|poor","comments":"..."}

Return ONLY valid JSON.`,
		imageIndex+1, totalImages, compactJSON(extraction, validationEmbedCap), imageIndex)
}

// BuildFinalizationPrompt builds the stage-4 prompt consolidating all
// extractions and validation findings into one output.
func BuildFinalizationPrompt(extractions, validations any, multipleTables bool) string {
	tableLine := "Single table."
	if multipleTables {
		tableLine = "Multiple tables: keep separate."
	}
	return fmt.Sprintf(`Generate final consolidated table from extractions.

Extractions: %s
Validations: %s

%s

Address validation issues. Return JSON:
{"tables":[{"table_index":1,"columns":["col1","col2"],"rows":[{"col1":"val1","col2":"val2"}]}]}

Return ONLY valid JSON, no markdown.`,
		compactJSON(extractions, extractionsEmbedCap),
		compactJSON(validations, validationsEmbedCap),
		tableLine)
}

// compactJSON marshals v without indentation and truncates at cap bytes.
func compactJSON(v any, capBytes int) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	if len(b) > capBytes {
		b = b[:capBytes]
	}
	return string(b)
}
