package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Record is one line of a Claude Code transcript.
type Record struct {
	Type      string          `json:"type"`
	Message   *Message        `json:"message,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Output    *string         `json:"output,omitempty"`
}

// Message is the chat message carried by user and assistant records.
// Content is either a string or a list of blocks; only lists are classified.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Blocks decodes the content block list. A string or missing content yields nil.
func (m *Message) Blocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentBlock is a single typed element of a message.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// textOf flattens tool result content: a plain string, or the text fields of
// a block list joined by newlines.
func textOf(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != nil {
			texts = append(texts, *p.Text)
		}
	}
	return strings.Join(texts, "\n"), true
}

// toolInput is the free-form input object of a tool_use block.
type toolInput map[string]any

func decodeInput(raw json.RawMessage) toolInput {
	in := toolInput{}
	if len(raw) == 0 {
		return in
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	_ = dec.Decode(&in)
	return in
}

func (in toolInput) str(key string) *string {
	if s, ok := in[key].(string); ok {
		return &s
	}
	return nil
}

func (in toolInput) integer(key string) *int64 {
	n, ok := in[key].(json.Number)
	if !ok {
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		return nil
	}
	return &v
}
