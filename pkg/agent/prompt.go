package agent

import (
	"fmt"
	"strings"
	"time"
)

const systemPromptTemplate = `<SYSTEM_CAPABILITY>
* You are operating a sandboxed Linux session through the computer, bash and str_replace_editor tools.
* The display is %dx%d pixels. Take a screenshot before acting on the screen and after each action to confirm its effect.
* When a browser session is active, it already has a browser open; prefer interacting with it over launching a new one.
* Shell commands that would block the terminal should be run in the background and their output redirected to a file.
* The current date is %s.
</SYSTEM_CAPABILITY>`

// SystemPrompt describes the session environment to the model, followed by
// suffix when one is given.
func SystemPrompt(width, height int, now time.Time, suffix string) string {
	prompt := fmt.Sprintf(systemPromptTemplate, width, height, now.Format("Monday, January 2, 2006"))
	if suffix = strings.TrimSpace(suffix); suffix != "" {
		prompt += "\n" + suffix
	}
	return prompt
}

// filterRecentImages returns a copy of conv in which only the n most recent
// tool-result screenshots are kept. conv itself is not modified.
func filterRecentImages(conv Conversation, n int) Conversation {
	if n <= 0 {
		return conv
	}

	out := conv.Clone()
	kept := 0
	for i := len(out) - 1; i >= 0; i-- {
		tr, ok := out[i].(*ToolResultTurn)
		if !ok || tr.Result.Base64Image == "" {
			continue
		}
		if kept < n {
			kept++
			continue
		}
		stripped := *tr
		stripped.Result.Base64Image = ""
		if stripped.Result.IsEmpty() {
			stripped.Result.Output = "(screenshot omitted)"
		}
		out[i] = &stripped
	}
	return out
}
