package agent

import (
	"encoding/json"
	"fmt"

	"github.com/marinabox/marinabox/pkg/tools"
)

// TurnKind tags a conversation turn.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolResult TurnKind = "tool_result"
)

// Turn is one entry of a Conversation: *UserTurn, *AssistantTurn or *ToolResultTurn.
type Turn interface {
	Kind() TurnKind
	isTurn()
}

// UserTurn carries the task text.
type UserTurn struct {
	Text string
}

// AssistantTurn carries the model's content blocks in response order.
type AssistantTurn struct {
	Blocks []Block
}

// ToolResultTurn answers exactly one ToolUseBlock.
type ToolResultTurn struct {
	ToolUseID string
	Result    tools.Result
}

func (*UserTurn) Kind() TurnKind       { return TurnUser }
func (*AssistantTurn) Kind() TurnKind  { return TurnAssistant }
func (*ToolResultTurn) Kind() TurnKind { return TurnToolResult }

func (*UserTurn) isTurn()       {}
func (*AssistantTurn) isTurn()  {}
func (*ToolResultTurn) isTurn() {}

// ToolUses returns the tool-use blocks of the turn in order.
func (t *AssistantTurn) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, b := range t.Blocks {
		if tu, ok := b.(*ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// Text concatenates the text blocks of the turn.
func (t *AssistantTurn) Text() string {
	var text string
	for _, b := range t.Blocks {
		if tb, ok := b.(*TextBlock); ok {
			text += tb.Text
		}
	}
	return text
}

// BlockKind tags an assistant content block.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

// Block is *TextBlock or *ToolUseBlock.
type Block interface {
	Kind() BlockKind
	isBlock()
}

type TextBlock struct {
	Text string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

func (*TextBlock) Kind() BlockKind    { return BlockText }
func (*ToolUseBlock) Kind() BlockKind { return BlockToolUse }

func (*TextBlock) isBlock()    {}
func (*ToolUseBlock) isBlock() {}

// Conversation is the ordered transcript of one agent run.
type Conversation []Turn

// Clone copies the turn slice. Turns themselves are shared.
func (c Conversation) Clone() Conversation {
	return append(Conversation(nil), c...)
}

// Pending returns the tool-use ids of the last assistant turn that have no
// tool-result turn yet.
func (c Conversation) Pending() []string {
	last := -1
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Kind() == TurnAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}

	answered := map[string]bool{}
	for _, t := range c[last+1:] {
		if tr, ok := t.(*ToolResultTurn); ok {
			answered[tr.ToolUseID] = true
		}
	}

	var pending []string
	for _, tu := range c[last].(*AssistantTurn).ToolUses() {
		if !answered[tu.ID] {
			pending = append(pending, tu.ID)
		}
	}
	return pending
}

type blockJSON struct {
	Kind  BlockKind      `json:"kind"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type turnJSON struct {
	Kind      TurnKind      `json:"kind"`
	Text      string        `json:"text,omitempty"`
	Blocks    []blockJSON   `json:"blocks,omitempty"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Result    *tools.Result `json:"result,omitempty"`
}

// MarshalJSON encodes the transcript as kind-tagged objects.
func (c Conversation) MarshalJSON() ([]byte, error) {
	out := make([]turnJSON, 0, len(c))
	for _, t := range c {
		switch turn := t.(type) {
		case *UserTurn:
			out = append(out, turnJSON{Kind: TurnUser, Text: turn.Text})
		case *AssistantTurn:
			blocks := make([]blockJSON, 0, len(turn.Blocks))
			for _, b := range turn.Blocks {
				switch block := b.(type) {
				case *TextBlock:
					blocks = append(blocks, blockJSON{Kind: BlockText, Text: block.Text})
				case *ToolUseBlock:
					blocks = append(blocks, blockJSON{Kind: BlockToolUse, ID: block.ID, Name: block.Name, Input: block.Input})
				}
			}
			out = append(out, turnJSON{Kind: TurnAssistant, Blocks: blocks})
		case *ToolResultTurn:
			res := turn.Result
			out = append(out, turnJSON{Kind: TurnToolResult, ToolUseID: turn.ToolUseID, Result: &res})
		default:
			return nil, fmt.Errorf("unknown turn type %T", t)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes kind-tagged objects.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw []turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	conv := make(Conversation, 0, len(raw))
	for i, t := range raw {
		switch t.Kind {
		case TurnUser:
			conv = append(conv, &UserTurn{Text: t.Text})
		case TurnAssistant:
			turn := &AssistantTurn{}
			for _, b := range t.Blocks {
				switch b.Kind {
				case BlockText:
					turn.Blocks = append(turn.Blocks, &TextBlock{Text: b.Text})
				case BlockToolUse:
					turn.Blocks = append(turn.Blocks, &ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
				default:
					return fmt.Errorf("turn %d: unknown block kind %q", i, b.Kind)
				}
			}
			conv = append(conv, turn)
		case TurnToolResult:
			turn := &ToolResultTurn{ToolUseID: t.ToolUseID}
			if t.Result != nil {
				turn.Result = *t.Result
			}
			conv = append(conv, turn)
		default:
			return fmt.Errorf("turn %d: unknown kind %q", i, t.Kind)
		}
	}
	*c = conv
	return nil
}
