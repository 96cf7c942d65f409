// Package orchestrator runs queries end to end.
//
// A run moves through ENRICHING, then INFERRING and TOOL_DISPATCH until the
// model stops asking for tools, then STREAMING_FINAL and DONE. Any state may
// end in FAILED.
//
// Invariants:
//   - Every run ends with exactly one complete, error or cancelled event,
//     after which its channel is closed.
//   - Events carry strictly increasing sequence numbers.
//   - A run makes at most MaxIterations non-streaming inferences.
//   - Runs of the same session never overlap; they queue in arrival order.
//   - Nothing is retried. A failed inference fails the run.
//
// Usage:
//
//	svc, _ := orchestrator.NewService(orchestrator.ServiceConfig{...})
//	run, err := svc.Start(ctx, orchestrator.Request{Query: "What is 12 * 8?", Stream: true})
//	for ev := range run.Events {
//		...
//	}
package orchestrator
