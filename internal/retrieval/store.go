package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/lensisku/lexiassist/internal/embedding"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/storage"
)

// Compile-time check that SQLiteSearcher implements lexicon.Searcher.
var _ lexicon.Searcher = (*SQLiteSearcher)(nil)

const defaultPerPage = 10

// SQLiteSearcher ranks definitions by brute-force cosine similarity over the
// embeddings stored in the definitions table.
//
// Every search scans all embedded rows matching the filters. That is fine for a
// dictionary-sized table; a dedicated vector index would be needed well past
// a few hundred thousand rows.
type SQLiteSearcher struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSearcher wraps an existing *sql.DB opened by storage.Open.
func NewSQLiteSearcher(db *sql.DB, logger *slog.Logger) *SQLiteSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSearcher{db: db, logger: logger}
}

// idScore holds only the ID and score during the scan phase of Search.
// Full rows are fetched only for the requested page.
type idScore struct {
	ID    int64
	Score float32
}

// Search returns one page of definitions ranked by similarity to p.Embedding.
// Total counts every embedded definition matching the filters.
func (s *SQLiteSearcher) Search(ctx context.Context, p lexicon.SearchParams) (lexicon.SearchResult, error) {
	page, perPage := max(p.Page, 1), p.PerPage
	if perPage < 1 {
		perPage = defaultPerPage
	}
	queryNorm := norm(p.Embedding)
	if queryNorm == 0 {
		return lexicon.SearchResult{Definitions: []lexicon.Definition{}}, nil
	}

	sourceLang := int32(storage.LojbanLangID)
	if p.SourceLangID != nil {
		sourceLang = *p.SourceLangID
	}
	where := "embedding IS NOT NULL AND source_langid = ?"
	args := []any{sourceLang}
	if len(p.Languages) > 0 {
		where += " AND langid IN (?" + strings.Repeat(",?", len(p.Languages)-1) + ")"
		for _, l := range p.Languages {
			args = append(args, l)
		}
	}

	// Phase 1: scan only id + embedding, keeping the best page*perPage.
	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM definitions WHERE "+where, args...)
	if err != nil {
		return lexicon.SearchResult{}, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	keep := page * perPage
	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	var total int64
	var skipped int

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return lexicon.SearchResult{}, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = embedding.DecodeVectorInto(buf, blob)
		if err != nil {
			return lexicon.SearchResult{}, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
		if len(buf) != len(p.Embedding) {
			skipped++
			continue
		}
		total++

		score := cosine(p.Embedding, buf, queryNorm)
		if h.Len() < keep {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return lexicon.SearchResult{}, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if skipped > 0 {
		s.logger.Warn("skipped embeddings with a different dimension", "count", skipped, "want", len(p.Embedding))
	}

	// Pop ascending, fill from the back so ranked[0] is the best match.
	ranked := make([]idScore, h.Len())
	for i := len(ranked) - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(idScore)
	}
	offset := (page - 1) * perPage
	if offset >= len(ranked) {
		return lexicon.SearchResult{Definitions: []lexicon.Definition{}, Total: total}, nil
	}
	ranked = ranked[offset:min(offset+perPage, len(ranked))]

	defs, err := s.fetch(ctx, ranked)
	if err != nil {
		return lexicon.SearchResult{}, err
	}
	return lexicon.SearchResult{Definitions: defs, Total: total}, nil
}

// fetch loads the full rows for the ranked ids, with the language name joined.
func (s *SQLiteSearcher) fetch(ctx context.Context, ranked []idScore) ([]lexicon.Definition, error) {
	queryArgs := make([]any, len(ranked))
	scores := make(map[int64]float32, len(ranked))
	for i, r := range ranked {
		queryArgs[i] = r.ID
		scores[r.ID] = r.Score
	}
	query := `SELECT d.id, d.word, d.definition, COALESCE(l.real_name, ''), d.score, d.selmaho, d.jargon
		FROM definitions d LEFT JOIN languages l ON l.id = d.langid
		WHERE d.id IN (?` + strings.Repeat(",?", len(ranked)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching ranked definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]lexicon.Definition, 0, len(ranked))
	for rows.Next() {
		var d lexicon.Definition
		if err := rows.Scan(&d.ID, &d.Word, &d.Text, &d.Language, &d.Score, &d.Selmaho, &d.Jargon); err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		d.Similarity = float64(scores[d.ID])
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating definitions: %w", err)
	}

	// Sort by similarity descending (IN query doesn't preserve order).
	sortBySimilarity(defs)
	return defs, nil
}

// sortBySimilarity is an insertion sort; pages are small.
func sortBySimilarity(defs []lexicon.Definition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].Similarity > defs[j-1].Similarity; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm
// of a. Stored vectors are unit length, but older rows may not be.
func cosine(a, b []float32, aNorm float32) float32 {
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
