package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// searchMode is one of search_tools's four matching strategies.
type searchMode string

const (
	modePartial searchMode = "partial"
	modePrefix  searchMode = "prefix"
	modeExact   searchMode = "exact"
	modeFuzzy   searchMode = "fuzzy"
)

// Score weights, per spec: name matches count double, body matches
// single; exact/prefix/partial/fuzzy have descending base scores. These
// are design-level constants — tests should pin ordering, not the
// absolute numbers.
const (
	weightName = 2.0
	weightBody = 1.0

	scoreExact       = 100.0
	scorePrefix      = 80.0
	scorePartialName = 70.0
	scorePartialBody = 50.0
	scoreFuzzyMax    = 40.0

	fuzzySimilarityThreshold = 0.6
)

type scoredTool struct {
	tool  jsonrpc.ToolInfoFull
	score float64
}

// scoreTool computes one tool's match score for query under mode. A
// zero score means "no match"; empty query matches everything at score 0.
func scoreTool(t jsonrpc.ToolInfoFull, query string, mode searchMode, caseSensitive bool) float64 {
	if query == "" {
		return 0
	}

	name := t.Name
	body := t.Description
	q := query
	if !caseSensitive {
		name = strings.ToLower(name)
		body = strings.ToLower(body)
		q = strings.ToLower(q)
	}

	switch mode {
	case modeExact:
		if name == q {
			return scoreExact * weightName
		}
		if body == q {
			return scoreExact * weightBody
		}
		return 0
	case modePrefix:
		if strings.HasPrefix(name, q) {
			return scorePrefix * weightName
		}
		if strings.HasPrefix(body, q) {
			return scorePrefix * weightBody
		}
		return 0
	case modeFuzzy:
		return fuzzyScore(name, body, q)
	default: // partial
		if strings.Contains(name, q) {
			return scorePartialName * weightName
		}
		if strings.Contains(body, q) {
			return scorePartialBody * weightBody
		}
		return 0
	}
}

// fuzzyScore compares the query against each word of name and body
// using Levenshtein similarity, keeping the best match at or above the
// spec's 0.6 threshold. A match scores similarity*scoreFuzzyMax times the
// field weight, so at most scoreFuzzyMax*weightName for a name word.
func fuzzyScore(name, body, query string) float64 {
	best := 0.0

	for _, word := range strings.Fields(name) {
		if sim := levenshteinSimilarity(word, query); sim >= fuzzySimilarityThreshold {
			if s := sim * scoreFuzzyMax * weightName; s > best {
				best = s
			}
		}
	}
	for _, word := range strings.Fields(body) {
		if sim := levenshteinSimilarity(word, query); sim >= fuzzySimilarityThreshold {
			if s := sim * scoreFuzzyMax * weightBody; s > best {
				best = s
			}
		}
	}
	return best
}

// levenshteinSimilarity returns 1 - (editDistance / maxLen), in [0,1].
func levenshteinSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dist := levenshteinDistance(a, b)
	maxLen := len([]rune(a))
	if bl := len([]rune(b)); bl > maxLen {
		maxLen = bl
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = minInt(del, minInt(ins, sub))
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// searchCatalog scores every tool in catalog against query/mode,
// restricted to serverName if non-empty, and returns them sorted by
// descending score then name for stable ordering.
func searchCatalog(catalog map[string]jsonrpc.ToolInfoFull, query string, mode searchMode, caseSensitive bool, serverName string) []scoredTool {
	results := make([]scoredTool, 0, len(catalog))
	for _, t := range catalog {
		if serverName != "" && t.Backend != serverName {
			continue
		}
		score := scoreTool(t, query, mode, caseSensitive)
		if query != "" && score == 0 {
			continue
		}
		results = append(results, scoredTool{tool: t, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].tool.Name < results[j].tool.Name
	})
	return results
}

func paginate(results []scoredTool, limit, offset int) []scoredTool {
	if offset >= len(results) {
		return []scoredTool{}
	}
	end := offset + limit
	if end > len(results) || limit <= 0 {
		end = len(results)
	}
	return results[offset:end]
}

type searchResultItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Backend     string  `json:"backend"`
	Score       float64 `json:"score,omitempty"`
}

func toSearchResults(scored []scoredTool) []searchResultItem {
	out := make([]searchResultItem, 0, len(scored))
	for _, s := range scored {
		out = append(out, searchResultItem{
			Name:        s.tool.Name,
			Description: s.tool.Description,
			Backend:     s.tool.Backend,
			Score:       s.score,
		})
	}
	return out
}

// RegisterSearchTools wires search_tools and advanced_search against
// catalog, the only state they read.
func RegisterSearchTools(r *Registry, catalog CatalogSource) {
	r.Register(&Tool{
		Name:        "search_tools",
		Description: "Search the aggregated tool catalog by name and description.",
		Schema: validate.Schema{
			{Name: "query", Type: validate.TypeString},
			{Name: "mode", Type: validate.TypeString, Enum: []any{"partial", "prefix", "exact", "fuzzy"}},
			{Name: "caseSensitive", Type: validate.TypeBoolean},
			{Name: "searchFields", Type: validate.TypeArray},
			{Name: "limit", Type: validate.TypeNumber},
			{Name: "offset", Type: validate.TypeNumber},
		},
		Handler: func(_ context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			query, _ := args["query"].(string)
			mode := searchMode(stringOr(args, "mode", string(modePartial)))
			caseSensitive, _ := args["caseSensitive"].(bool)
			limit := intOr(args, "limit", 50)
			offset := intOr(args, "offset", 0)

			scored := searchCatalog(catalog.Catalog(), query, mode, caseSensitive, "")
			page := paginate(scored, limit, offset)
			return jsonResult(map[string]any{
				"results": toSearchResults(page),
				"total":   len(scored),
			})
		},
	})

	r.Register(&Tool{
		Name:        "advanced_search",
		Description: "Search the tool catalog restricted to a single backend server.",
		Schema: validate.Schema{
			{Name: "query", Type: validate.TypeString},
			{Name: "serverName", Type: validate.TypeString},
			{Name: "limit", Type: validate.TypeNumber},
			{Name: "offset", Type: validate.TypeNumber},
		},
		Handler: func(_ context.Context, args map[string]any) (*jsonrpc.ToolCallResult, error) {
			query, _ := args["query"].(string)
			serverName, _ := args["serverName"].(string)
			limit := intOr(args, "limit", 50)
			offset := intOr(args, "offset", 0)

			scored := searchCatalog(catalog.Catalog(), query, modePartial, false, serverName)
			page := paginate(scored, limit, offset)
			return jsonResult(map[string]any{
				"results": toSearchResults(page),
				"total":   len(scored),
			})
		},
	})
}

func stringOr(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
