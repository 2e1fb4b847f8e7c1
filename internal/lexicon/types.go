// Package lexicon exposes semantic dictionary search as a tool that a chat
// model can call.
package lexicon

import (
	"context"
	"encoding/json"
)

// ToolName is the single tool declared to the chat model.
const ToolName = "semantic_search"

const (
	MinLimit     = 1
	DefaultLimit = 10
	MaxLimit     = 50
)

// ToolDefinition describes a callable tool: name, description and the JSON
// Schema of its parameters.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Definition is one ranked row returned by a Searcher.
type Definition struct {
	ID       int64
	Word     string
	Text     string
	Language string
	// Score is the community vote score of the definition.
	Score float64
	// Similarity is the cosine similarity to the query embedding.
	Similarity float64
	Selmaho    string
	Jargon     string
}

// SearchParams carries the query embedding, filters and pagination.
type SearchParams struct {
	Embedding []float32
	Query     string
	// Languages restricts definition languages. Empty means all.
	Languages []int32
	// SourceLangID restricts the language of the headword. Nil uses the
	// searcher's default.
	SourceLangID *int32
	Page         int
	PerPage      int
}

// SearchResult is one page of ranked definitions and the total match count.
type SearchResult struct {
	Definitions []Definition
	Total       int64
}

// Searcher is the similarity-search collaborator.
type Searcher interface {
	Search(ctx context.Context, p SearchParams) (SearchResult, error)
}

// Embedder computes a query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summary is the compact form of a Definition handed to the chat model.
type Summary struct {
	Valsi      string  `json:"valsi"`
	Definition string  `json:"definition"`
	Lang       string  `json:"lang"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Selmaho    string  `json:"selmaho,omitempty"`
	Jargon     string  `json:"jargon,omitempty"`
}

// Result is the tool output, serialized into the tool message.
type Result struct {
	Results []Summary `json:"results"`
	Total   int64     `json:"total"`
}
