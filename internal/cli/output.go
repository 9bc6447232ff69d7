package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/marinabox/marinabox/pkg/agent"
	"gopkg.in/yaml.v3"
)

// printOutput writes v in the selected --output format.
func printOutput(w io.Writer, v interface{}) error {
	switch outputFormat {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (must be: json, yaml)", outputFormat)
	}
}

// maxPrintedOutput truncates tool output echoed to the terminal.
const maxPrintedOutput = 2000

// eventPrinter renders agent events for a terminal.
type eventPrinter struct {
	w io.Writer

	assistant *color.Color
	toolUse   *color.Color
	output    *color.Color
	failure   *color.Color
	dim       *color.Color
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{
		w:         w,
		assistant: color.New(color.FgCyan),
		toolUse:   color.New(color.FgYellow),
		output:    color.New(color.FgGreen),
		failure:   color.New(color.FgRed, color.Bold),
		dim:       color.New(color.FgHiBlack),
	}
}

func (p *eventPrinter) Handle(ev agent.Event) {
	switch ev.Kind {
	case agent.EventText:
		p.assistant.Fprintf(p.w, "assistant: %s\n", ev.Text)
	case agent.EventToolUse:
		input, _ := json.Marshal(ev.Input)
		p.toolUse.Fprintf(p.w, "> %s %s\n", ev.ToolName, input)
	case agent.EventToolOutput:
		p.output.Fprintf(p.w, "%s\n", truncate(ev.Text, maxPrintedOutput))
	case agent.EventToolOutputImage:
		p.dim.Fprintf(p.w, "[screenshot %d bytes]\n", len(ev.Image))
	case agent.EventToolError:
		p.failure.Fprintf(p.w, "tool error: %s\n", ev.Error)
	case agent.EventAPIError:
		msg := ev.Error
		if msg == "" && ev.Err != nil {
			msg = ev.Err.Error()
		}
		p.failure.Fprintf(p.w, "model error: %s\n", msg)
	case agent.EventAPIResponse:
		p.dim.Fprintf(p.w, "[iteration %d]\n", ev.Iteration)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
