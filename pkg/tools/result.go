package tools

import "strings"

// Result is the outcome of one tool invocation. Any combination of fields
// may be set; an empty Result is a successful no-op.
type Result struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
}

// IsEmpty reports whether no field is set.
func (r Result) IsEmpty() bool {
	return r.Output == "" && r.Error == "" && r.Base64Image == ""
}

// Failed reports whether the tool reported an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// ErrorResult builds a Result carrying only an error message.
func ErrorResult(msg string) Result {
	return Result{Error: strings.TrimSpace(msg)}
}
