package tools

import (
	"context"
	"fmt"
	"strings"
)

var editCommands = []string{"view", "create", "str_replace", "insert", "undo_edit"}

// EditTool views and edits files inside the session.
type EditTool struct {
	channel  Channel
	endpoint Endpoint
}

func NewEditTool(channel Channel, endpoint Endpoint) *EditTool {
	return &EditTool{channel: channel, endpoint: endpoint}
}

func (t *EditTool) Name() string { return "str_replace_editor" }

func (t *EditTool) Description() string {
	return "View, create and edit files inside the session using absolute paths."
}

func (t *EditTool) InputSchema() Schema {
	return Schema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]any{
			"command":     stringProp("The edit command to run.", editCommands...),
			"path":        stringProp("Absolute path to the file or directory."),
			"file_text":   stringProp("Content of the file for create."),
			"old_str":     stringProp("Exact text to replace for str_replace."),
			"new_str":     stringProp("Replacement text for str_replace, or text to insert."),
			"insert_line": map[string]any{"type": "integer", "minimum": 0, "description": "Line after which new_str is inserted."},
			"view_range":  intPairProp("Optional [start, end] line range for view."),
		},
		Required: []string{"command", "path"},
	}
}

func (t *EditTool) Invoke(ctx context.Context, input map[string]any) (Result, error) {
	command := stringArg(input, "command")
	path := stringArg(input, "path")
	if !strings.HasPrefix(path, "/") {
		return ErrorResult(fmt.Sprintf("path %q is not absolute", path)), nil
	}

	var missing string
	switch command {
	case "create":
		if _, ok := input["file_text"]; !ok {
			missing = "file_text"
		}
	case "str_replace":
		if _, ok := input["old_str"]; !ok {
			missing = "old_str"
		}
	case "insert":
		if _, ok := input["insert_line"]; !ok {
			missing = "insert_line"
		} else if _, ok := input["new_str"]; !ok {
			missing = "new_str"
		}
	}
	if missing != "" {
		return ErrorResult(fmt.Sprintf("%s is required for %s", missing, command)), nil
	}

	return t.channel.Invoke(ctx, t.endpoint, t.Name(), input)
}
