// Package session stores conversation history per session id.
//
// Invariants:
// - Ensure creates a session at most once, even under concurrent calls with the same id.
// - Turns are append-only and their timestamps never go backwards.
// - Sessions are only removed by an explicit Clear or Delete.
//
// Usage:
//
//	store := session.NewMemoryStore()
//	_, _ = store.Ensure(ctx, "sess-1")
//	_ = store.AppendTurn(ctx, "sess-1", session.Turn{Role: session.RoleUser, Content: "hello"})
//	sess, _ := store.Get(ctx, "sess-1")
//	_ = sess
package session
