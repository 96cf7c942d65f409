package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/knowledge"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTopK        = 3
	defaultMaxChars    = 2000
	defaultMemoryTurns = 4
	memoryTurnChars    = 280
)

// ErrNoKnowledgeBase is recorded when retrieval is enabled without a store.
var ErrNoKnowledgeBase = errors.New("knowledge base is not configured")

// Enricher is what the run executor needs from a pipeline.
type Enricher interface {
	Enrich(ctx context.Context, query string, cfg agent.Configuration, sessionID string) (string, map[string]interface{}, error)
}

// Passage is one piece of retrieved context.
type Passage struct {
	Source  string  `json:"source"`
	Heading string  `json:"heading,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Config holds the pipeline's collaborators. Both are optional; a technique
// whose collaborator is missing degrades and records why.
type Config struct {
	Searcher knowledge.Searcher
	Sessions session.Store
	Logger   zerolog.Logger
}

// Pipeline applies the enabled context techniques to a query.
type Pipeline struct {
	searcher knowledge.Searcher
	sessions session.Store
	logger   zerolog.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		searcher: cfg.Searcher,
		sessions: cfg.Sessions,
		logger:   cfg.Logger.With().Str("component", "pipeline").Logger(),
	}
}

type state struct {
	passages []Passage
	history  []session.Turn
	metadata map[string]interface{}
	failures map[string]string
}

func (s *state) fail(kind agent.TechniqueKind, err error) {
	s.failures[string(kind)] = err.Error()
}

// Enrich rewrites query with the context the configuration's techniques
// produce. Technique failures never fail the call: the technique is skipped
// and its error lands in metadata["errors"]. Only a done ctx is an error.
//
// Techniques run in a fixed order: memory, retrieval, reranking, compression.
func (p *Pipeline) Enrich(ctx context.Context, query string, cfg agent.Configuration, sessionID string) (string, map[string]interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.enrich",
		attribute.StringSlice("techniques", cfg.TechniqueNames()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	start := time.Now()
	st := &state{
		metadata: map[string]interface{}{},
		failures: map[string]string{},
	}
	st.metadata["techniques"] = cfg.TechniqueNames()

	if t, ok := cfg.Technique(agent.TechniqueMemory); ok {
		p.applyMemory(ctx, st, t, sessionID)
	}
	if t, ok := cfg.Technique(agent.TechniqueRetrieval); ok {
		_, reranking := cfg.Technique(agent.TechniqueReranking)
		p.applyRetrieval(ctx, st, t, query, reranking)
	}
	if t, ok := cfg.Technique(agent.TechniqueReranking); ok {
		applyReranking(st, t, query)
	}
	if t, ok := cfg.Technique(agent.TechniqueCompression); ok {
		applyCompression(st, t)
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	enriched := render(query, st.history, st.passages)
	st.metadata["enriched_length"] = len(enriched)
	st.metadata["duration_ms"] = time.Since(start).Milliseconds()
	if len(st.failures) > 0 {
		st.metadata["errors"] = st.failures
		for kind, msg := range st.failures {
			logger.Warn().Str("technique", kind).Str("error", msg).Msg("Context technique degraded")
		}
	}

	span.SetAttributes(attribute.Int("enriched_length", len(enriched)))
	return enriched, st.metadata, nil
}

func (p *Pipeline) applyMemory(ctx context.Context, st *state, t agent.Technique, sessionID string) {
	n := t.Int("turns", defaultMemoryTurns)
	if p.sessions == nil {
		st.fail(agent.TechniqueMemory, errors.New("session store is not configured"))
		return
	}
	if sessionID == "" {
		st.metadata["memory"] = map[string]interface{}{"turns": 0}
		return
	}

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		var nf *session.NotFoundError
		if errors.As(err, &nf) {
			st.metadata["memory"] = map[string]interface{}{"turns": 0}
			return
		}
		st.fail(agent.TechniqueMemory, err)
		return
	}

	var picked []session.Turn
	for i := len(sess.Turns) - 1; i >= 0 && len(picked) < n; i-- {
		turn := sess.Turns[i]
		if turn.Role == session.RoleTool || strings.TrimSpace(turn.Content) == "" {
			continue
		}
		picked = append(picked, turn)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	st.history = picked
	st.metadata["memory"] = map[string]interface{}{"turns": len(picked)}
}

func (p *Pipeline) applyRetrieval(ctx context.Context, st *state, t agent.Technique, query string, reranking bool) {
	if p.searcher == nil {
		st.fail(agent.TechniqueRetrieval, ErrNoKnowledgeBase)
		return
	}

	topK := t.Int("top_k", defaultTopK)
	if topK <= 0 {
		topK = defaultTopK
	}
	opts := knowledge.DefaultSearchOptions()
	opts.Limit = topK
	if reranking {
		// Leave the reranker something to choose from.
		opts.Limit = topK * 2
	}
	opts.MinScore = t.Float("min_score", 0)

	results, err := p.searcher.Search(ctx, query, &opts)
	if err != nil {
		st.fail(agent.TechniqueRetrieval, err)
		return
	}

	sources := make([]string, 0, len(results))
	for _, r := range results {
		st.passages = append(st.passages, Passage{
			Source:  r.Source,
			Heading: r.Heading,
			Content: r.Content,
			Score:   r.Score,
		})
		sources = append(sources, r.Source)
	}
	st.metadata["retrieval"] = map[string]interface{}{
		"top_k":    topK,
		"passages": len(results),
		"sources":  sources,
	}
}

func render(query string, history []session.Turn, passages []Passage) string {
	if len(history) == 0 && len(passages) == 0 {
		return query
	}

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "- %s: %s\n", turn.Role, clip(strings.TrimSpace(turn.Content), memoryTurnChars))
		}
		b.WriteString("\n")
	}
	if len(passages) > 0 {
		b.WriteString("Relevant passages:\n")
		for i, p := range passages {
			label := p.Source
			if p.Heading != "" {
				label += " > " + p.Heading
			}
			fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, label, p.Content)
		}
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}
