package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// candidateLimit bounds each search method before merging.
const candidateLimit = 200

// Result represents a search result with relevance score
type Result struct {
	ChunkID      string   `json:"chunk_id"`
	Source       string   `json:"source"`
	Heading      string   `json:"heading,omitempty"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions configures search behavior
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// DefaultSearchOptions returns the options used when none are given.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:         5,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	}
}

type vectorHit struct {
	chunkID    string
	similarity float64
}

type keywordHit struct {
	chunkID string
	score   float64
}

// Search performs hybrid search (vector + keyword). A dirty index is synced
// first. When only one method fails the other one's results are returned.
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "knowledge.search", attribute.Int("query_length", len(query)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}

	o := DefaultSearchOptions()
	if opts != nil {
		o = *opts
		if o.Limit <= 0 {
			o.Limit = DefaultSearchOptions().Limit
		}
	}
	if !s.vector {
		o.VectorWeight, o.KeywordWeight = 0, 1
	}

	s.mu.RLock()
	dirty := s.isDirty
	s.mu.RUnlock()
	if dirty {
		if _, err := s.Sync(ctx); err != nil && err != ErrSyncInProgress {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorHits []vectorHit
	var vectorErr error
	if s.vector {
		vectorHits, vectorErr = s.vectorSearch(ctx, query, candidateLimit)
		if vectorErr != nil {
			logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
			o.VectorWeight, o.KeywordWeight = 0, 1
		}
	}

	keywordHits, keywordErr := s.keywordSearch(ctx, query, candidateLimit)
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed")
	}

	if keywordErr != nil && (!s.vector || vectorErr != nil) {
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("knowledge search failed: %w", keywordErr)
	}

	results, err := s.merge(ctx, vectorHits, keywordHits, o)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(results) > o.Limit {
		results = results[:o.Limit]
	}

	logger.Debug().Int("results", len(results)).Msg("Knowledge search completed")
	return results, nil
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	blob, err := sqlite_vec.SerializeFloat32(vectors[0])
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var hit vectorHit
		var distance float64
		if err := rows.Scan(&hit.chunkID, &distance); err != nil {
			return nil, err
		}
		hit.similarity = 1.0 - distance
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	match := ftsMatch(terms)

	if s.ftsVersion == 5 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT chunk_id, bm25(chunks_fts) AS score
			FROM chunks_fts
			WHERE chunks_fts MATCH ?
			ORDER BY score
			LIMIT ?`, match, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var hits []keywordHit
		for rows.Next() {
			var hit keywordHit
			var bm25 float64
			if err := rows.Scan(&hit.chunkID, &bm25); err != nil {
				return nil, err
			}
			// bm25 is negative, lower is better
			hit.score = -bm25
			hits = append(hits, hit)
		}
		return hits, rows.Err()
	}

	// FTS4 has no ranking function; score by term frequency.
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, content
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var hit keywordHit
		var content string
		if err := rows.Scan(&hit.chunkID, &content); err != nil {
			return nil, err
		}
		hit.score = termFrequency(content, terms)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *Store) merge(ctx context.Context, vectorHits []vectorHit, keywordHits []keywordHit, opts SearchOptions) ([]Result, error) {
	vectorScores := make(map[string]float64, len(vectorHits))
	keywordScores := make(map[string]float64, len(keywordHits))

	var maxKeyword float64
	for _, h := range vectorHits {
		vectorScores[h.chunkID] = h.similarity
	}
	for _, h := range keywordHits {
		keywordScores[h.chunkID] = h.score
		if h.score > maxKeyword {
			maxKeyword = h.score
		}
	}

	ids := make(map[string]bool, len(vectorScores)+len(keywordScores))
	for id := range vectorScores {
		ids[id] = true
	}
	for id := range keywordScores {
		ids[id] = true
	}

	var results []Result
	for id := range ids {
		var vectorNorm, keywordNorm float64
		var vecPtr, keyPtr *float64

		if v, ok := vectorScores[id]; ok {
			// similarity [-1, 1] -> [0, 1]
			vectorNorm = (v + 1) / 2
			vn := vectorNorm
			vecPtr = &vn
		}
		if k, ok := keywordScores[id]; ok {
			if maxKeyword > 0 {
				keywordNorm = k / maxKeyword
			}
			kn := keywordNorm
			keyPtr = &kn
		}

		score := vectorNorm*opts.VectorWeight + keywordNorm*opts.KeywordWeight
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, Result{ChunkID: id, Score: score, VectorScore: vecPtr, KeywordScore: keyPtr})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		var heading *string
		err := s.db.QueryRowContext(ctx, `
			SELECT c.content, c.heading, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?`, r.ChunkID).Scan(&r.Content, &heading, &r.Source)
		if err != nil {
			s.logger.Warn().Err(err).Str("chunk", r.ChunkID).Msg("Failed to fetch chunk details")
			continue
		}
		if heading != nil {
			r.Heading = *heading
		}
		out = append(out, r)
	}
	return out, nil
}

// queryTerms extracts lower-cased word terms from free text.
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, field := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if !seen[field] {
			seen[field] = true
			terms = append(terms, field)
		}
	}
	return terms
}

// ftsMatch quotes each term so user text never parses as FTS syntax.
func ftsMatch(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

func termFrequency(content string, terms []string) float64 {
	lower := strings.ToLower(content)
	var n float64
	for _, t := range terms {
		n += float64(strings.Count(lower, t))
	}
	return n
}
