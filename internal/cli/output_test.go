package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/marinabox/marinabox/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withOutputFormat(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func TestPrintOutput(t *testing.T) {
	v := map[string]interface{}{"session_id": "abc", "tag": "demo"}

	t.Run("json", func(t *testing.T) {
		withOutputFormat(t, "json")
		buf := &bytes.Buffer{}
		require.NoError(t, printOutput(buf, v))
		assert.Equal(t, "{\n  \"session_id\": \"abc\",\n  \"tag\": \"demo\"\n}\n", buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		withOutputFormat(t, "yaml")
		buf := &bytes.Buffer{}
		require.NoError(t, printOutput(buf, v))
		assert.Equal(t, "session_id: abc\ntag: demo\n", buf.String())
	})

	t.Run("unknown", func(t *testing.T) {
		withOutputFormat(t, "xml")
		err := printOutput(&bytes.Buffer{}, v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown output format")
	})
}

func TestEventPrinter(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	buf := &bytes.Buffer{}
	p := newEventPrinter(buf)

	p.Handle(agent.Event{Kind: agent.EventText, Text: "Opening the page"})
	p.Handle(agent.Event{Kind: agent.EventToolUse, ToolName: "bash", Input: map[string]interface{}{"command": "ls"}})
	p.Handle(agent.Event{Kind: agent.EventToolOutput, Text: "file.txt\n"})
	p.Handle(agent.Event{Kind: agent.EventToolOutputImage, Image: "aGVsbG8="})
	p.Handle(agent.Event{Kind: agent.EventToolError, Error: "exit status 1"})
	p.Handle(agent.Event{Kind: agent.EventAPIError, Err: errors.New("throttled")})
	p.Handle(agent.Event{Kind: agent.EventAPIResponse, Iteration: 2})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"assistant: Opening the page",
		`> bash {"command":"ls"}`,
		"file.txt",
		"[screenshot 8 bytes]",
		"tool error: exit status 1",
		"model error: throttled",
		"[iteration 2]",
	}, lines)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short\n", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
