package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/ctxlab/pkg/tools"
)

// SearchToolName is the tool exposed when the retrieval technique is enabled.
const SearchToolName = tools.SearchKnowledgeBase

const maxToolResults = 20

// SearchResponse is what the search tool hands back to the model.
type SearchResponse struct {
	Query   string   `json:"query"`
	Count   int      `json:"count"`
	Results []Result `json:"results"`
}

// Searcher is the part of Store the search tool depends on.
type Searcher interface {
	Search(ctx context.Context, query string, opts *SearchOptions) ([]Result, error)
}

// SearchTool exposes hybrid search over the knowledge base as a tool.
func SearchTool(searcher Searcher) tools.Definition {
	return tools.Definition{
		Name:        SearchToolName,
		Description: "Search the local knowledge base for passages relevant to a query. Returns the best matching passages with their source file.",
		Parameters: []tools.Parameter{
			{Name: "query", Type: "string", Description: "What to look for", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum number of passages (default 5)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}

			opts := DefaultSearchOptions()
			if v, ok := args["limit"].(float64); ok && v > 0 {
				opts.Limit = int(v)
			}
			if opts.Limit > maxToolResults {
				opts.Limit = maxToolResults
			}

			results, err := searcher.Search(ctx, query, &opts)
			if err != nil {
				return nil, fmt.Errorf("search failed: %w", err)
			}

			return SearchResponse{Query: query, Count: len(results), Results: results}, nil
		},
	}
}
