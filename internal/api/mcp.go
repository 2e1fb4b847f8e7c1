package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/storage"
)

// LanguageLister lists the languages definitions can be filtered by.
type LanguageLister interface {
	ListLanguages(ctx context.Context) ([]storage.Language, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Search    SearchTool
	Languages LanguageLister // optional; if nil, the languages resource is not registered
	Version   string
	Logger    *slog.Logger
}

// NewMCPServer creates an MCP server exposing dictionary search.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		"lexiassist",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("lexiassist: semantic search over Lojban dictionary definitions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool(lexicon.ToolName,
			mcp.WithDescription("Semantic search over dictionary definitions. Returns the closest definitions with their word, language, vote score and similarity."),
			mcp.WithString("query", mcp.Description("Search query, e.g. an English gloss or a Lojban word"), mcp.Required()),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results"),
				mcp.Min(lexicon.MinLimit),
				mcp.Max(lexicon.MaxLimit),
				mcp.DefaultNumber(lexicon.DefaultLimit),
			),
			mcp.WithArray("languages",
				mcp.Description("Restrict results to these definition language ids"),
				mcp.Items(map[string]any{"type": "integer"}),
			),
			mcp.WithNumber("source_langid", mcp.Description("Language id of the headword (default 1, Lojban)")),
		),
		mcpSemanticSearch(deps),
	)

	if deps.Languages != nil {
		s.AddResource(
			mcp.NewResource(
				"lexicon://languages",
				"Languages",
				mcp.WithResourceDescription("Language ids usable in the languages and source_langid filters"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceLanguages(deps),
		)
	}

	return s
}

func mcpSemanticSearch(deps MCPDeps) server.ToolHandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if string(raw) == "null" {
			raw = nil
		}

		args, err := lexicon.ParseArgs(string(raw))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if strings.TrimSpace(args.Query) == "" {
			return mcpError("query is required"), nil
		}

		res, err := deps.Search.Execute(ctx, args)
		if err != nil {
			logger.Warn("mcp semantic search failed", "error", err)
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceLanguages(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		langs, err := deps.Languages.ListLanguages(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing languages: %w", err)
		}
		if langs == nil {
			langs = []storage.Language{}
		}

		b, err := json.Marshal(langs)
		if err != nil {
			return nil, fmt.Errorf("marshaling languages: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
