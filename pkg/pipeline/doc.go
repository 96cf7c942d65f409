// Package pipeline enriches a user query with the context the enabled
// techniques produce before the first inference of a run.
//
// Supported techniques and their parameters:
//   - memory (turns): a short transcript of the last user/assistant turns
//   - retrieval (top_k, min_score): passages from the knowledge base
//   - reranking (top_k): lexical-overlap reorder of retrieved passages
//   - compression (max_chars): a character budget over the passages
//
// A failing technique is skipped and reported in the metadata under
// "errors"; the query itself always goes through.
package pipeline
