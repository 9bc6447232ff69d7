package agent

// EventKind tags an Event.
type EventKind string

const (
	EventText            EventKind = "text"
	EventToolUse         EventKind = "tool_use"
	EventToolOutput      EventKind = "tool_output"
	EventToolOutputImage EventKind = "tool_output_image"
	EventToolError       EventKind = "tool_error"
	EventAPIResponse     EventKind = "api_response"
	EventAPIError        EventKind = "api_error"
)

// Event streams
const (
	StreamAssistant = "assistant"
	StreamTool      = "tool"
	StreamAPI       = "api"
)

// Event is emitted by the runner as the loop progresses. Which fields are
// set depends on Kind.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Iteration int            `json:"iteration"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Image     string         `json:"image,omitempty"`
	Error     string         `json:"error,omitempty"`

	// Diagnostic payload for api_response and api_error.
	Request  *LLMRequest  `json:"-"`
	Response *LLMResponse `json:"-"`
	Err      error        `json:"-"`
}

// Stream names the stream the event belongs to.
func (e Event) Stream() string {
	switch e.Kind {
	case EventText, EventToolUse:
		return StreamAssistant
	case EventToolOutput, EventToolOutputImage, EventToolError:
		return StreamTool
	default:
		return StreamAPI
	}
}

// EventHandler receives events in order from the goroutine running the loop.
type EventHandler func(Event)
