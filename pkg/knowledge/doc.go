// Package knowledge indexes local documents and serves hybrid search over
// them for the retrieval technique.
//
// Invariants:
// - Indexed chunks stay consistent with file content hashes.
// - Keyword search always works; vector search is added when an embedder is configured and sqlite-vec loads.
// - A dirty index is synced before the next search.
//
// Usage:
//
//	store, _ := knowledge.NewStore(knowledge.Config{Sources: []string{"./docs"}, DBPath: "/data/knowledge.db"})
//	defer store.Close()
//	_, _ = store.Sync(ctx)
//	results, _ := store.Search(ctx, "query", nil)
//	_ = results
package knowledge
