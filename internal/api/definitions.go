package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lensisku/lexiassist/internal/storage"
)

const maxImportBodySize = 10 << 20 // 10MB

// DefinitionStore is the lexicon storage used by the admin routes.
type DefinitionStore interface {
	SaveDefinitions(ctx context.Context, defs []storage.Definition) (int, error)
	GetDefinition(ctx context.Context, id int64) (storage.Definition, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// ImportResponse reports how many definitions were stored. Their embeddings
// are computed later by the backfill worker.
type ImportResponse struct {
	Saved  int    `json:"saved"`
	Status string `json:"status"`
}

// StatsResponse reports embedding coverage of the lexicon.
type StatsResponse struct {
	Definitions int `json:"definitions"`
	Embedded    int `json:"embedded"`
	Pending     int `json:"pending"`
	Failed      int `json:"failed"`
}

func handleImportDefinitions(store DefinitionStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		var defs []storage.Definition
		if err := json.NewDecoder(r.Body).Decode(&defs); err != nil {
			httpError(w, http.StatusBadRequest, "validation", "invalid request body: %v", err)
			return
		}
		if len(defs) == 0 {
			httpError(w, http.StatusBadRequest, "validation", "at least one definition is required")
			return
		}
		for i, d := range defs {
			if strings.TrimSpace(d.Word) == "" {
				httpError(w, http.StatusBadRequest, "validation", "definition %d: word is required", i)
				return
			}
			if d.LangID <= 0 {
				httpError(w, http.StatusBadRequest, "validation", "definition %d: langid is required", i)
				return
			}
		}

		n, err := store.SaveDefinitions(r.Context(), defs)
		if err != nil {
			writeError(w, r, logger, fmt.Errorf("saving definitions: %w", err))
			return
		}

		logger.Info("definitions imported", "request_id", RequestIDFrom(r.Context()), "count", n)
		writeJSON(w, http.StatusOK, ImportResponse{Saved: n, Status: "queued"})
	}
}

func handleGetDefinition(store DefinitionStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpError(w, http.StatusBadRequest, "validation", "invalid definition id")
			return
		}

		d, err := store.GetDefinition(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "definition not found")
			return
		}
		if err != nil {
			writeError(w, r, logger, fmt.Errorf("getting definition %d: %w", id, err))
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleStats(store DefinitionStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Stats(r.Context())
		if err != nil {
			writeError(w, r, logger, fmt.Errorf("reading stats: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Definitions: st.Definitions,
			Embedded:    st.Embedded,
			Pending:     st.Definitions - st.Embedded - st.Failed,
			Failed:      st.Failed,
		})
	}
}
