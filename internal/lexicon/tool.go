package lexicon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lensisku/lexiassist/internal/apperr"
)

const toolDescription = "Semantic search over dictionary definitions. Use this to find Lojban words " +
	"or combinations related to a concept."

var toolParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Natural-language concept to search for (typically in English)."
    },
    "limit": {
      "type": "integer",
      "minimum": 1,
      "maximum": 50,
      "default": 10,
      "description": "Maximum number of results to return."
    },
    "languages": {
      "type": "array",
      "items": {"type": "integer"},
      "description": "Optional list of definition language IDs to restrict results to."
    },
    "source_langid": {
      "type": "integer",
      "description": "Optional source language ID of the word (defaults to 1 = Lojban)."
    }
  },
  "required": ["query"]
}`)

// Tool runs semantic_search: embed the query, then rank definitions by
// similarity. It never retries; failures abort the current tool round.
type Tool struct {
	embedder Embedder
	searcher Searcher
	logger   *slog.Logger
}

// NewTool creates the search tool.
func NewTool(embedder Embedder, searcher Searcher, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{embedder: embedder, searcher: searcher, logger: logger}
}

// Definition returns the tool declaration sent to the chat model.
func (t *Tool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolName,
		Description: toolDescription,
		Parameters:  toolParameters,
	}
}

// Execute searches for args.Query. The limit is clamped, never rejected.
func (t *Tool) Execute(ctx context.Context, args Args) (Result, error) {
	limit := args.EffectiveLimit()
	start := time.Now()

	vec, err := t.embedder.Embed(ctx, args.Query)
	if err != nil {
		return Result{}, apperr.New(apperr.KindExternalService, "embedding search query", err)
	}

	res, err := t.searcher.Search(ctx, SearchParams{
		Embedding:    vec,
		Query:        args.Query,
		Languages:    args.Languages,
		SourceLangID: args.SourceLangID,
		Page:         1,
		PerPage:      limit,
	})
	if err != nil {
		return Result{}, apperr.New(apperr.KindExternalService, "semantic search failed", err)
	}

	out := Result{Results: make([]Summary, 0, len(res.Definitions)), Total: res.Total}
	for _, d := range res.Definitions {
		out.Results = append(out.Results, Summarize(d))
	}

	t.logger.Debug("semantic search",
		"query", args.Query,
		"limit", limit,
		"results", len(out.Results),
		"total", out.Total,
		"duration", time.Since(start),
	)
	return out, nil
}

// Summarize maps a search row to its compact form with markup stripped from
// each text field.
func Summarize(d Definition) Summary {
	return Summary{
		Valsi:      d.Word,
		Definition: StripMarkup(d.Text),
		Lang:       d.Language,
		Score:      d.Score,
		Similarity: d.Similarity,
		Selmaho:    StripMarkup(d.Selmaho),
		Jargon:     StripMarkup(d.Jargon),
	}
}
