// Package agent runs the loop between a language model and the tools of one
// session.
//
// Invariants:
//   - At most one model call is in flight per run; calls never exceed MaxIterations.
//   - Every tool use yields exactly one ToolResultTurn before the next model call.
//   - Tool failures are fed back to the model; model failures end the run.
//   - Events are delivered in order from the goroutine running the loop.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Provider: provider,
//		Tools:    collection,
//		Model:    "claude-3-5-sonnet-20241022",
//		OnEvent:  func(ev agent.Event) { fmt.Println(ev.Kind, ev.Text) },
//	})
//	result, _ := runner.Run(ctx, "open example.com and summarize it")
//	_ = result.State
package agent
