package agent

import (
	"errors"
	"fmt"
)

// State is the terminal state of a run.
type State string

const (
	StateDone                  State = "done"
	StateIterationLimitReached State = "iteration_limit_reached"
	StateModelError            State = "model_error"
	StateCancelled             State = "cancelled"
)

// Result is what a run returns, whatever its terminal state.
type Result struct {
	Conversation Conversation `json:"conversation"`
	State        State        `json:"state"`
	Iterations   int          `json:"iterations"`
	Usage        TokenUsage   `json:"usage"`
}

// FinalText returns the text of the last assistant turn.
func (r *Result) FinalText() string {
	for i := len(r.Conversation) - 1; i >= 0; i-- {
		if at, ok := r.Conversation[i].(*AssistantTurn); ok {
			return at.Text()
		}
	}
	return ""
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ErrModelCall is matched by every ModelCallError.
var ErrModelCall = errors.New("model call failed")

// ModelCallError aborts a run. It is never retried by the runner.
type ModelCallError struct {
	Provider  string
	Iteration int
	Err       error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s model call failed at iteration %d: %v", e.Provider, e.Iteration, e.Err)
}

func (e *ModelCallError) Unwrap() []error {
	return []error{ErrModelCall, e.Err}
}
