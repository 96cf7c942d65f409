// Package agent builds and caches configured model agents.
//
// Invariants:
//   - A Configuration is normalized before it is hashed, so technique order,
//     duplicate entries and numeric representation do not change the signature.
//   - Cache construction runs at most once per signature at a time; failures are not cached.
//   - Techniques contribute tools and instruction hints through the capability table only.
//
// Usage:
//
//	cfg, _ := agent.BuildConfiguration(defaults, "qwen3:8b", &agent.ContextConfig{
//		Techniques: []agent.Technique{{Kind: agent.TechniqueRetrieval}},
//	})
//	cached, _ := cache.GetOrCreate(ctx, cfg)
//	resp, _ := cached.Provider.Call(ctx, cached.Request(messages))
//	_ = resp
package agent
