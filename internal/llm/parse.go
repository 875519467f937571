package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/extractable/extractable/internal/common"
)

const rawExcerptLimit = 1000

var (
	reOpenFence     = regexp.MustCompile("(?m)^```(?:json)?\\s*")
	reCloseFence    = regexp.MustCompile("(?m)\\s*```$")
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	reTablesArray   = regexp.MustCompile(`(?s)"tables"\s*:\s*\[.*?\]`)
)

// parseAttempt is one pure recovery heuristic: it either produces a decoded
// object or reports that it does not apply. Attempts never mutate shared
// state and are tried strictly in order.
type parseAttempt func(text string) (map[string]any, bool)

var attempts = []parseAttempt{
	parseStrict,
	parseStripFences,
	parseTrimTrailingCommas,
	parseBalancedObject,
	parseTablesArray,
}

// ParseJSON coerces a model's free-text output into a JSON object. A strict
// parse is tried first, then a fixed sequence of recovery heuristics; the
// first success wins. On total failure the error wraps ErrUnparseable and
// carries a truncated excerpt of the raw text for diagnostics.
func ParseJSON(text string) (map[string]any, error) {
	cleaned := strings.TrimSpace(text)
	for _, attempt := range attempts {
		if obj, ok := attempt(cleaned); ok {
			return obj, nil
		}
	}
	excerpt := cleaned
	if len(excerpt) > rawExcerptLimit {
		excerpt = excerpt[:rawExcerptLimit]
	}
	return nil, fmt.Errorf("%w: %d bytes, excerpt %q", common.ErrUnparseable, len(text), excerpt)
}

func decode(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

func parseStrict(text string) (map[string]any, bool) {
	return decode(text)
}

// parseStripFences removes markdown code fences the model sometimes wraps
// its JSON in despite instructions.
func parseStripFences(text string) (map[string]any, bool) {
	s := reOpenFence.ReplaceAllString(text, "")
	s = reCloseFence.ReplaceAllString(s, "")
	return decode(strings.TrimSpace(s))
}

func parseTrimTrailingCommas(text string) (map[string]any, bool) {
	s := reOpenFence.ReplaceAllString(text, "")
	s = reCloseFence.ReplaceAllString(s, "")
	s = reTrailingComma.ReplaceAllString(s, "$1")
	return decode(strings.TrimSpace(s))
}

// parseBalancedObject scans from the first '{' counting braces and brackets
// and decodes the first complete balanced object, ignoring any surrounding
// prose or trailing garbage.
func parseBalancedObject(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return nil, false
	}
	braces, brackets := 0, 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			braces++
		case '}':
			braces--
		case '[':
			brackets++
		case ']':
			brackets--
		}
		if braces == 0 && brackets == 0 && i > start {
			candidate := reTrailingComma.ReplaceAllString(text[start:i+1], "$1")
			return decode(candidate)
		}
	}
	return nil, false
}

// parseTablesArray is the last resort: pull out a "tables" sub-array and
// rebuild a minimal object around it.
func parseTablesArray(text string) (map[string]any, bool) {
	match := reTablesArray.FindString(text)
	if match == "" {
		return nil, false
	}
	candidate := "{" + reTrailingComma.ReplaceAllString(match, "$1") + "}"
	return decode(candidate)
}
