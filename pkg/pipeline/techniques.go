package pipeline

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harun/ctxlab/pkg/agent"
)

// applyReranking reorders passages by the share of query terms each one
// contains, keeping retrieval order among equals, and trims to top_k.
func applyReranking(st *state, t agent.Technique, query string) {
	topK := t.Int("top_k", defaultTopK)
	if topK <= 0 {
		topK = defaultTopK
	}

	if len(st.passages) == 0 {
		st.metadata["reranking"] = map[string]interface{}{"passages": 0}
		return
	}

	qt := terms(query)
	scores := make([]float64, len(st.passages))
	for i, p := range st.passages {
		scores[i] = overlap(qt, p.Heading+" "+p.Content)
	}

	idx := make([]int, len(st.passages))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	reordered := false
	out := make([]Passage, 0, len(idx))
	for pos, i := range idx {
		if pos != i {
			reordered = true
		}
		out = append(out, st.passages[i])
	}
	if len(out) > topK {
		out = out[:topK]
	}
	st.passages = out

	st.metadata["reranking"] = map[string]interface{}{
		"passages":  len(out),
		"reordered": reordered,
	}
}

// applyCompression fits passages into a character budget. Passages are kept
// in order; the one crossing the budget is cut and the rest are dropped.
func applyCompression(st *state, t agent.Technique) {
	budget := t.Int("max_chars", defaultMaxChars)
	if budget <= 0 {
		budget = defaultMaxChars
	}

	original := 0
	for _, p := range st.passages {
		original += len(p.Content)
	}

	used := 0
	kept := make([]Passage, 0, len(st.passages))
	for _, p := range st.passages {
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		if len(p.Content) > remaining {
			p.Content = clip(p.Content, remaining)
		}
		used += len(p.Content)
		kept = append(kept, p)
	}

	st.metadata["compression"] = map[string]interface{}{
		"max_chars":        budget,
		"original_chars":   original,
		"compressed_chars": used,
		"dropped":          len(st.passages) - len(kept),
	}
	st.passages = kept
}

// clip cuts s to at most n bytes on a rune boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "..."
	if n <= len(marker) {
		return marker[:n]
	}
	cut := n - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func terms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func overlap(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range terms(text) {
		have[t] = true
	}
	hits := 0
	for _, t := range queryTerms {
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}
