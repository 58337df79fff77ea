package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), "repaired output should parse: %s", s)
	return out
}

func TestRepairStripsMarkdownFences(t *testing.T) {
	in := "```json\n{\"summary\": \"login crash\"}\n```"
	out := mustParse(t, Repair(in))
	assert.Equal(t, "login crash", out["summary"])
}

func TestRepairStripsBareFences(t *testing.T) {
	in := "```\n{\"a\": 1}\n```"
	out := mustParse(t, Repair(in))
	assert.Equal(t, float64(1), out["a"])
}

func TestRepairTrimsSurroundingProse(t *testing.T) {
	in := "Sure! Here is the state you asked for:\n{\"intent\": \"Bug\"}\nLet me know if you need anything else."
	out := mustParse(t, Repair(in))
	assert.Equal(t, "Bug", out["intent"])
}

func TestRepairRemovesTrailingCommas(t *testing.T) {
	in := `{"reproSteps": ["a", "b",], "intent": "Bug",}`
	out := mustParse(t, Repair(in))
	assert.Equal(t, "Bug", out["intent"])
	assert.Len(t, out["reproSteps"], 2)
}

func TestRepairNormalizesCurlyQuotes(t *testing.T) {
	in := `{“summary”: “it crashed”}`
	out := mustParse(t, Repair(in))
	assert.Equal(t, "it crashed", out["summary"])
}

func TestRepairLeavesAsciiQuotedContentAlone(t *testing.T) {
	in := `{"summary": "user said ‘hello’ loudly"}`
	out := mustParse(t, Repair(in))
	assert.Equal(t, "user said ‘hello’ loudly", out["summary"])
}

func TestRepairCombinedArtifacts(t *testing.T) {
	in := "The state:\n```json\n{\"openQuestions\": [\"which os?\",], \"intent\": \"Other\",}\n```\nDone."
	out := mustParse(t, Repair(in))
	assert.Equal(t, "Other", out["intent"])
}

func TestRepairReturnsEmptyWhenNoObject(t *testing.T) {
	assert.Equal(t, "", Repair("no json here at all"))
	assert.Equal(t, "", Repair(""))
}

func TestHasFences(t *testing.T) {
	assert.True(t, HasFences("```json\n{}\n```"))
	assert.False(t, HasFences("{}"))
}
