package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/errors"
)

func TestParseQueriesPlainJSON(t *testing.T) {
	raw := `[{"query": "lsm tree write amplification", "researchGoal": "quantify write amplification"},
	{"query": "b-tree vs lsm", "researchGoal": "compare structures"}]`

	items := parseQueries("storage engines", raw)
	require.Len(t, items, 2)
	assert.Equal(t, "lsm tree write amplification", items[0].Query)
	assert.Equal(t, "compare structures", items[1].ResearchGoal)
}

func TestParseQueriesFencedJSON(t *testing.T) {
	raw := "```json\n[{\"query\": \"q1\", \"researchGoal\": \"g1\"}]\n```"
	items := parseQueries("topic", raw)
	require.Len(t, items, 1)
	assert.Equal(t, "q1", items[0].Query)
}

func TestParseQueriesRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes, the usual model sins.
	raw := `[{'query': 'q1', 'researchGoal': 'g1'},]`
	items := parseQueries("topic", raw)
	require.Len(t, items, 1)
	assert.Equal(t, "q1", items[0].Query)
}

func TestParseQueriesFallbackOnGarbage(t *testing.T) {
	items := parseQueries("storage engines", "I could not produce queries, sorry!")
	require.Len(t, items, 1)
	assert.Equal(t, "storage engines", items[0].Query)
	assert.Equal(t, "General research", items[0].ResearchGoal)
}

func TestParseQueriesFallbackOnEmptyArray(t *testing.T) {
	items := parseQueries("storage engines", "[]")
	require.Len(t, items, 1)
	assert.Equal(t, "storage engines", items[0].Query)
}

func TestParseSlidesOrderEnforced(t *testing.T) {
	raw := `{"slides": [
		{"title": "Conclusion", "content": ["done"]},
		{"title": "Introduction", "content": ["start"]}
	]}`

	slides, err := parseSlides(raw, []string{"Introduction", "Conclusion"})
	require.NoError(t, err)
	require.Len(t, slides, 2)
	assert.Equal(t, "Introduction", slides[0].Title)
	assert.Equal(t, "Conclusion", slides[1].Title)
}

func TestParseSlidesMissingSection(t *testing.T) {
	raw := `{"slides": [{"title": "Overview", "content": ["a bullet"]}]}`

	slides, err := parseSlides(raw, []string{"Overview", "Financials"})
	require.NoError(t, err)
	require.Len(t, slides, 2)
	assert.Equal(t, "Content unavailable in provided Markdown.", slides[1].Content)
}

func TestParseSlidesSWOTContent(t *testing.T) {
	raw := `{"slides": [{"title": "SWOT", "content": {"Strengths": ["fast"], "Weaknesses": ["young"]}}]}`

	slides, err := parseSlides(raw, []string{"SWOT"})
	require.NoError(t, err)
	content, ok := slides[0].Content.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, content, "Strengths")
}

func TestParseSlidesUnparseableFatal(t *testing.T) {
	_, err := parseSlides("this is not JSON at all {{{", []string{"A"})
	require.Error(t, err)
	assert.Equal(t, errors.KindParse, errors.KindOf(err))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}
