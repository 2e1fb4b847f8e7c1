package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lensisku/lexiassist/internal/apperr"
	"github.com/lensisku/lexiassist/internal/assistant"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/proxy"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	requestTimeout     = 2 * time.Minute
)

// Chatter runs one assistant turn.
type Chatter interface {
	Chat(ctx context.Context, req assistant.Request) (string, error)
}

// SearchTool runs a direct semantic search.
type SearchTool interface {
	Execute(ctx context.Context, args lexicon.Args) (lexicon.Result, error)
}

// ModelLister lists the chat models offered by the provider.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// Deps holds the collaborators of the HTTP handler. Models and Definitions
// are optional; their routes are not mounted when nil.
type Deps struct {
	Assistant   Chatter
	Search      SearchTool
	Models      ModelLister
	Definitions DefinitionStore
	// Token guards /assistant/* and /admin/* when non-empty. /admin/* is only
	// mounted when a token is set.
	Token  string
	Logger *slog.Logger
}

// ChatResponse is the body returned by POST /assistant/chat.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(
		RequestID,
		RequestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	r.Get("/health", handleHealth)

	r.Route("/assistant", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token, logger))
		}
		r.Post("/chat", handleChat(deps.Assistant, logger))
		r.Post("/search", handleSearch(deps.Search, logger))
		if deps.Models != nil {
			r.Get("/models", handleModels(deps.Models, logger))
		}
	})

	if deps.Definitions != nil && deps.Token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(deps.Token, logger))
			r.Post("/definitions", handleImportDefinitions(deps.Definitions, logger))
			r.Get("/definitions/{id}", handleGetDefinition(deps.Definitions, logger))
			r.Get("/stats", handleStats(deps.Definitions, logger))
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(chat Chatter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assistant.Request
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, string(apperr.KindValidation), "messages is required and must not be empty")
			return
		}

		reply, err := chat.Chat(r.Context(), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
	}
}

func handleSearch(tool SearchTool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, string(apperr.KindValidation), "reading request body: %v", err)
			return
		}
		args, err := lexicon.ParseArgs(string(raw))
		if err != nil {
			httpError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid search arguments: %v", err)
			return
		}
		if strings.TrimSpace(args.Query) == "" {
			httpError(w, http.StatusBadRequest, string(apperr.KindValidation), "query is required")
			return
		}

		res, err := tool.Execute(r.Context(), args)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleModels(p ModelLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := p.ListModels(r.Context())
		if err != nil {
			writeError(w, r, logger, apperr.New(apperr.KindExternalService, "listing models", err))
			return
		}
		writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: models})
	}
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid request body: %v", err)
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindExternalService, apperr.KindExternalServiceRetryable, apperr.KindToolArgument:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var kindMessages = map[apperr.Kind]string{
	apperr.KindModelLoad:                "embedding model is not available",
	apperr.KindInference:                "embedding failed",
	apperr.KindExternalService:          "language model request failed",
	apperr.KindExternalServiceRetryable: "language model is temporarily unavailable",
	apperr.KindToolArgument:             "language model sent invalid tool arguments",
	apperr.KindInternal:                 "internal error",
}

// publicMessage is the client-facing text for err. Validation errors carry
// their own message; the cause chain of every other kind only goes to the log.
func publicMessage(err error, kind apperr.Kind) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	var e *apperr.Error
	if kind == apperr.KindValidation && errors.As(err, &e) {
		return e.Message
	}
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return kindMessages[apperr.KindInternal]
}

// writeError renders err as the API error body, including the upstream raw
// payload when the error carries one.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	logger.Error("request failed",
		"request_id", RequestIDFrom(r.Context()),
		"path", r.URL.Path,
		"kind", kind,
		"error", err,
	)

	body := errorDetail{Message: publicMessage(err, kind), Type: string(kind)}
	if raw := apperr.RawOf(err); raw != "" {
		body.RawResponse = raw
	}
	writeJSON(w, status, errorBody{Error: body})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	RawResponse string `json:"raw_response,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, errorBody{Error: errorDetail{
		Message: fmt.Sprintf(format, args...),
		Type:    errType,
	}})
}
