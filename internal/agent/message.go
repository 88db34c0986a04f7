package agent

import (
	"encoding/json"

	"github.com/nextlevelbuilder/afk/internal/bus"
)

// Raw message types the supervisor recognizes. Anything else decodes
// with its type preserved and is dropped by the classifier after
// logging.
const (
	TypeSystem            = "system"
	TypeAssistant         = "assistant"
	TypePermissionRequest = "permission_request"
	TypeResult            = "result"
	TypeFileOutput        = "file_output"
)

// RawMessage is the best-effort-decoded form of one line of agent
// output. Agent streams are heterogeneous JSON; only the fields
// relevant to the decoded Type are populated.
type RawMessage struct {
	Type           string
	SessionID      string
	ContentBlocks  []bus.ContentBlock
	RequestID      string
	ToolName       string
	ToolInput      map[string]any
	TotalCostUSD   float64
	DurationMS     int64
	FilePath       string
	FileName       string

	// Raw is the original line, kept for the per-session raw log.
	Raw []byte
}

// rawEnvelope mirrors the wire shapes of all recognized message types.
// Assistant content may sit at the top level or under a message key,
// and may be an array of blocks or a bare string.
type rawEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   json.RawMessage `json:"content"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	ID           string          `json:"id"`
	ToolName     string          `json:"tool_name"`
	ToolInput    map[string]any  `json:"tool_input"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	DurationMS   int64           `json:"duration_ms"`
	FilePath     string          `json:"file_path"`
	FileName     string          `json:"file_name"`
}

// DecodeRawMessage parses one JSON line of agent output. A bare string
// in a content position becomes a single text block.
func DecodeRawMessage(line []byte) (RawMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return RawMessage{}, err
	}

	msg := RawMessage{
		Type:         env.Type,
		SessionID:    env.SessionID,
		RequestID:    env.ID,
		ToolName:     env.ToolName,
		ToolInput:    env.ToolInput,
		TotalCostUSD: env.TotalCostUSD,
		DurationMS:   env.DurationMS,
		FilePath:     env.FilePath,
		FileName:     env.FileName,
		Raw:          append([]byte(nil), line...),
	}

	content := env.Content
	if len(content) == 0 && env.Message != nil {
		content = env.Message.Content
	}
	msg.ContentBlocks = decodeContentBlocks(content)
	return msg, nil
}

func decodeContentBlocks(raw json.RawMessage) []bus.ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var blocks []bus.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []bus.ContentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// HasTextBlock reports whether any decoded block is plain text.
// Assistant messages with text are operator-facing (INFO); pure
// tool-use/tool-result traffic is progress noise.
func HasTextBlock(blocks []bus.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "text" {
			return true
		}
	}
	return false
}
