package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 0, levenshteinDistance("abc", "abc"))
	assert.Equal(t, 1, levenshteinDistance("abc", "abd"))
	assert.Equal(t, 3, levenshteinDistance("kitten", "sitting"))
}

func TestLevenshteinSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinSimilarity("weather", "weather"))
	assert.Less(t, levenshteinSimilarity("weather", "whether"), 1.0)
	assert.Greater(t, levenshteinSimilarity("weather", "whether"), 0.6)
}

func TestScoreToolExactBeatsPrefixBeatsPartial(t *testing.T) {
	tool := jsonrpc.ToolInfoFull{Name: "weather.get_forecast", Description: "fetch forecast"}

	exact := scoreTool(jsonrpc.ToolInfoFull{Name: "forecast", Description: "x"}, "forecast", modeExact, false)
	prefix := scoreTool(tool, "weather", modePrefix, false)
	partial := scoreTool(tool, "forecast", modePartial, false)

	assert.Greater(t, exact, prefix)
	assert.Greater(t, prefix, partial)
	assert.Greater(t, partial, 0.0)
}

func TestScoreToolNameWeighsDoubleBody(t *testing.T) {
	nameMatch := scoreTool(jsonrpc.ToolInfoFull{Name: "search", Description: "unrelated"}, "search", modePartial, false)
	bodyMatch := scoreTool(jsonrpc.ToolInfoFull{Name: "unrelated", Description: "search stuff"}, "search", modePartial, false)
	assert.Greater(t, nameMatch, bodyMatch)
}

func TestSearchCatalogEmptyQueryReturnsAllUnscored(t *testing.T) {
	catalog := map[string]jsonrpc.ToolInfoFull{
		"a.x": {Name: "a.x", Description: "d1"},
		"b.y": {Name: "b.y", Description: "d2"},
	}
	results := searchCatalog(catalog, "", modePartial, false, "")
	assert.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 0.0, r.score)
	}
}

func TestSearchCatalogRestrictedToServer(t *testing.T) {
	catalog := map[string]jsonrpc.ToolInfoFull{
		"a.x": {Name: "a.x", Description: "find stuff", Backend: "a"},
		"b.x": {Name: "b.x", Description: "find stuff", Backend: "b"},
	}
	results := searchCatalog(catalog, "find", modePartial, false, "a")
	assert.Len(t, results, 1)
	assert.Equal(t, "a", results[0].tool.Backend)
}

func TestPaginate(t *testing.T) {
	results := []scoredTool{{}, {}, {}, {}, {}}
	assert.Len(t, paginate(results, 2, 0), 2)
	assert.Len(t, paginate(results, 2, 4), 1)
	assert.Len(t, paginate(results, 2, 10), 0)
}
