// Package tools defines the capabilities the agent loop can invoke inside a
// session (computer, bash, str_replace_editor) and the channel that carries
// each invocation to the session's control surface.
//
// Invariants:
//   - Tool input is validated against the tool's JSON schema before dispatch.
//   - Collection.Run reports every failure through Result.Error.
//   - An empty Result is a successful no-op.
package tools
