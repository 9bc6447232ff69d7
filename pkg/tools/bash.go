package tools

import "context"

// BashTool runs shell commands inside the session.
type BashTool struct {
	channel  Channel
	endpoint Endpoint
}

func NewBashTool(channel Channel, endpoint Endpoint) *BashTool {
	return &BashTool{channel: channel, endpoint: endpoint}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run commands in a bash shell inside the session. State persists across calls until restart."
}

func (t *BashTool) InputSchema() Schema {
	return Schema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]any{
			"command": stringProp("The bash command to run."),
			"restart": map[string]any{"type": "boolean", "description": "Restart the shell."},
		},
	}
}

func (t *BashTool) Invoke(ctx context.Context, input map[string]any) (Result, error) {
	restart, _ := input["restart"].(bool)
	if !restart && stringArg(input, "command") == "" {
		return ErrorResult("no command provided"), nil
	}
	return t.channel.Invoke(ctx, t.endpoint, t.Name(), input)
}
