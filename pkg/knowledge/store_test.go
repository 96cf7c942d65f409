package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder produces deterministic vectors from text.
type hashEmbedder struct {
	dimension int

	mu    sync.Mutex
	texts int
}

func (e *hashEmbedder) Dimension() int { return e.dimension }

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.texts += len(texts)
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		hash := 0
		for _, c := range text {
			hash = hash*31 + int(c)
		}
		vec := make([]float32, e.dimension)
		for j := range vec {
			vec[j] = float32((hash+j)%100+1) / 100.0
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) embedded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestStore(t *testing.T, embedder Embedder) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	docs := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))

	store, err := NewStore(Config{
		Sources:  []string{docs},
		DBPath:   filepath.Join(root, "data", "knowledge.db"),
		Embedder: embedder,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, docs
}

func TestNewStore(t *testing.T) {
	t.Run("should require a database path", func(t *testing.T) {
		_, err := NewStore(Config{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should start dirty with full-text search available", func(t *testing.T) {
		store, _ := newTestStore(t, nil)

		status := store.Status()
		assert.True(t, status.IsDirty)
		assert.False(t, status.VectorSearch)
		assert.Contains(t, []int{4, 5}, status.FullTextVersion)
	})
}

func TestStoreSync(t *testing.T) {
	store, docs := newTestStore(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(docs, "raft.md"), "# Raft\n\nRaft elects a leader with randomized timeouts.\n")
	writeFile(t, filepath.Join(docs, "nested", "paxos.txt"), "Paxos reaches consensus through proposers and acceptors.\n")
	writeFile(t, filepath.Join(docs, "image.png"), "not text")
	writeFile(t, filepath.Join(docs, ".hidden", "secret.md"), "hidden notes\n")

	t.Run("should index supported files only", func(t *testing.T) {
		report, err := store.Sync(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, report.FilesIndexed)
		assert.Equal(t, 2, report.ChunksCreated)

		status := store.Status()
		assert.Equal(t, 2, status.TotalFiles)
		assert.False(t, status.IsDirty)
		assert.NotNil(t, status.LastSyncTime)
	})

	t.Run("should skip unchanged files", func(t *testing.T) {
		report, err := store.Sync(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, report.FilesIndexed)
		assert.Equal(t, 2, report.FilesSkipped)
	})

	t.Run("should reindex changed files", func(t *testing.T) {
		writeFile(t, filepath.Join(docs, "raft.md"), "# Raft\n\nRaft replicates a log to followers.\n")

		report, err := store.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.FilesIndexed)

		results, err := store.Search(ctx, "followers", nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].Content, "replicates a log")

		results, err = store.Search(ctx, "randomized", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("should prune deleted files", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(docs, "nested", "paxos.txt")))

		report, err := store.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.FilesPruned)

		results, err := store.Search(ctx, "acceptors", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Equal(t, 1, store.Status().TotalFiles)
	})
}

func TestStoreKeywordSearch(t *testing.T) {
	store, docs := newTestStore(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(docs, "a.md"), "# Consensus\n\nRaft raft raft. Leaders and terms.\n")
	writeFile(t, filepath.Join(docs, "b.md"), "# Notes\n\nA passing mention of raft in a list of algorithms.\n")
	writeFile(t, filepath.Join(docs, "c.md"), "# Cooking\n\nBake bread at high heat.\n")

	t.Run("should sync a dirty index before searching", func(t *testing.T) {
		results, err := store.Search(ctx, "raft", nil)
		require.NoError(t, err)

		require.Len(t, results, 2)
		assert.Equal(t, filepath.Join(docs, "a.md"), results[0].Source)
		assert.Equal(t, "Consensus", results[0].Heading)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
		require.NotNil(t, results[0].KeywordScore)
		assert.Nil(t, results[0].VectorScore)
		assert.False(t, store.Status().IsDirty)
	})

	t.Run("should honor the result limit", func(t *testing.T) {
		results, err := store.Search(ctx, "raft", &SearchOptions{Limit: 1, KeywordWeight: 1})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("should return nothing for empty queries", func(t *testing.T) {
		results, err := store.Search(ctx, "   ", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("should treat query syntax as plain words", func(t *testing.T) {
		results, err := store.Search(ctx, `bread" (NEAR* -`, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, filepath.Join(docs, "c.md"), results[0].Source)
	})
}

func TestStoreVectorSearch(t *testing.T) {
	embedder := &hashEmbedder{dimension: 8}
	store, docs := newTestStore(t, embedder)
	if !store.Status().VectorSearch {
		t.Skip("sqlite-vec is not available")
	}
	ctx := context.Background()

	writeFile(t, filepath.Join(docs, "a.md"), "Gossip protocols spread state epidemically.\n")
	writeFile(t, filepath.Join(docs, "copy.md"), "Gossip protocols spread state epidemically.\n")

	t.Run("should reuse cached embeddings for identical chunks", func(t *testing.T) {
		_, err := store.Sync(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, embedder.embedded())
		rate := store.Status().EmbeddingCacheHitRate
		require.NotNil(t, rate)
		assert.InDelta(t, 0.5, *rate, 0.001)
	})

	t.Run("should blend vector and keyword scores", func(t *testing.T) {
		results, err := store.Search(ctx, "gossip", nil)
		require.NoError(t, err)
		require.Len(t, results, 2)

		for _, r := range results {
			assert.NotNil(t, r.VectorScore)
			assert.NotNil(t, r.KeywordScore)
		}
	})
}

func TestStoreWatch(t *testing.T) {
	root := t.TempDir()
	docs := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))

	changed := make(chan struct{}, 4)
	store, err := NewStore(Config{
		Sources:  []string{docs},
		DBPath:   filepath.Join(root, "knowledge.db"),
		Watch:    true,
		OnChange: func() { changed <- struct{}{} },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Sync(context.Background())
	require.NoError(t, err)
	require.False(t, store.Status().IsDirty)

	writeFile(t, filepath.Join(docs, "new.md"), "fresh content\n")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
	assert.True(t, store.Status().IsDirty)
}
