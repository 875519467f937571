package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractable/extractable/internal/common"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name:  "strict",
			input: `{"tables":[]}`,
			want:  map[string]any{"tables": []any{}},
		},
		{
			name:  "json fence",
			input: "```json\n{\"a\":1}\n```",
			want:  map[string]any{"a": float64(1)},
		},
		{
			name:  "plain fence",
			input: "```\n{\"a\":1}\n```",
			want:  map[string]any{"a": float64(1)},
		},
		{
			name:  "trailing comma",
			input: `{"a":[1,2,],}`,
			want:  map[string]any{"a": []any{float64(1), float64(2)}},
		},
		{
			name:  "prose around object",
			input: `Here is the extracted table: {"a":"b"} hope this helps!`,
			want:  map[string]any{"a": "b"},
		},
		{
			name:  "extra closing braces after balanced object",
			input: `{"tables":[{"rows":[]}]}}]`,
			want:  map[string]any{"tables": []any{map[string]any{"rows": []any{}}}},
		},
		{
			name:  "braces inside string literals",
			input: `{"note":"weird { value ]","a":1}`,
			want:  map[string]any{"note": "weird { value ]", "a": float64(1)},
		},
		{
			// The balanced scan reaches this input before the tables-array
			// regex and recovers the first complete object.
			name:  "balanced scan picks inner object",
			input: `broken prefix "tables": [{"table_index":1}] broken suffix`,
			want:  map[string]any{"table_index": float64(1)},
		},
		{
			// An unclosed leading brace defeats the balanced scan, so only
			// the tables-array regex can rescue this one.
			name:  "tables array last resort",
			input: `{ broken "tables": [{"table_index":1}]`,
			want:  map[string]any{"tables": []any{map[string]any{"table_index": float64(1)}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONFailure(t *testing.T) {
	_, err := ParseJSON("no json here at all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnparseable))
}

func TestParseJSONFailureTruncatesExcerpt(t *testing.T) {
	long := "x" + strings.Repeat("y", 5000)
	_, err := ParseJSON(long)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 1500)
}

func TestParseJSONIdempotent(t *testing.T) {
	input := "```json\n{\"a\":1,}\n```"
	first, err := ParseJSON(input)
	require.NoError(t, err)
	second, err := ParseJSON(input)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
