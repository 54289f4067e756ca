// Package transcript classifies the latest record of a Claude Code session
// transcript into a short, capped preview.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Preview caps, counted in characters.
const (
	TextCap    = 500
	ResultCap  = 300
	SnippetCap = 200
	CommandCap = 500
)

const imagePreview = "📷 Image uploaded"

// Classification kinds that are not tool names.
const (
	KindUserMessage = "UserMessage"
	KindToolResult  = "ToolResult"
	KindImage       = "Image"
	KindResponse    = "Response"
	KindThinking    = "Thinking"
	KindAssistant   = "Assistant"
)

// Entry is the classification of one transcript record. Kind is one of the
// Kind constants or a tool name. Payload is nil for a bare Assistant record.
type Entry struct {
	Kind    string
	Payload *Payload
}

// PayloadJSON returns the encoded payload, or "" when there is none.
func (e Entry) PayloadJSON() string {
	if e.Payload == nil {
		return ""
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Payload is the preview document stored with a TranscriptUpdated event.
// Optional fields are present only when the record carried them.
type Payload struct {
	MessageType     string  `json:"messageType"`
	Tool            string  `json:"tool,omitempty"`
	ToolUseID       string  `json:"toolUseId,omitempty"`
	IsError         *bool   `json:"isError,omitempty"`
	Preview         *string `json:"preview,omitempty"`
	Command         *string `json:"command,omitempty"`
	Description     *string `json:"description,omitempty"`
	FilePath        *string `json:"filePath,omitempty"`
	OldString       *string `json:"oldString,omitempty"`
	NewString       *string `json:"newString,omitempty"`
	ContentPreview  *string `json:"contentPreview,omitempty"`
	Offset          *int64  `json:"offset,omitempty"`
	Limit           *int64  `json:"limit,omitempty"`
	Pattern         *string `json:"pattern,omitempty"`
	Path            *string `json:"path,omitempty"`
	TaskDescription *string `json:"taskDescription,omitempty"`
	SubagentType    *string `json:"subagentType,omitempty"`
	InputPreview    *string `json:"inputPreview,omitempty"`
}

// Parser reads transcript files. It never returns errors to its caller;
// failures are logged and yield no entry.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a parser.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "transcript").Logger()}
}

// ParseFile classifies the last non-blank line of the file at path.
func (p *Parser) ParseFile(path string) (Entry, bool) {
	line, err := LastLine(path)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("transcript unreadable")
		return Entry{}, false
	}
	if line == nil {
		return Entry{}, false
	}
	entry, ok, err := Classify(line)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("transcript record unparsable")
	}
	return entry, ok
}

// ParseLine classifies a single transcript record.
func (p *Parser) ParseLine(line []byte) (Entry, bool) {
	entry, ok, err := Classify(line)
	if err != nil {
		p.logger.Warn().Err(err).Msg("transcript record unparsable")
	}
	return entry, ok
}

// LastLine returns the last non-blank line of a file, or nil if there is none.
func LastLine(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for len(data) > 0 {
		i := bytes.LastIndexByte(data, '\n')
		line := bytes.TrimSpace(data[i+1:])
		if len(line) > 0 {
			return line, nil
		}
		if i < 0 {
			break
		}
		data = data[:i]
	}
	return nil, nil
}

// Classify maps one record to an Entry. ok is false for unknown record
// types and for malformed input, in which case err is set.
func Classify(line []byte) (Entry, bool, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Entry{}, false, fmt.Errorf("decode record: %w", err)
	}

	switch rec.Type {
	case "user":
		return classifyUser(rec.Message.Blocks()), true, nil
	case "assistant":
		return classifyAssistant(rec.Message.Blocks()), true, nil
	case "result":
		return classifyResult(rec), true, nil
	default:
		return Entry{}, false, nil
	}
}

func classifyUser(blocks []ContentBlock) Entry {
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == nil || *b.Text == "" {
				continue
			}
			return Entry{Kind: KindUserMessage, Payload: &Payload{
				MessageType: "user",
				Preview:     ptr(truncate(*b.Text, TextCap)),
			}}
		case "tool_result":
			preview, _ := textOf(b.Content)
			return Entry{Kind: KindToolResult, Payload: &Payload{
				MessageType: "tool_result",
				ToolUseID:   orUnknown(b.ToolUseID),
				IsError:     ptr(b.IsError),
				Preview:     ptr(truncate(preview, ResultCap)),
			}}
		case "image":
			return Entry{Kind: KindImage, Payload: &Payload{
				MessageType: "image",
				Preview:     ptr(imagePreview),
			}}
		}
	}
	return Entry{Kind: KindUserMessage, Payload: &Payload{MessageType: "user", Preview: ptr("")}}
}

func classifyAssistant(blocks []ContentBlock) Entry {
	for _, b := range blocks {
		switch b.Type {
		case "tool_use":
			tool := b.Name
			if tool == "" {
				tool = "unknown"
			}
			return Entry{Kind: tool, Payload: toolPayload(tool, b.Input)}
		case "text":
			return Entry{Kind: KindResponse, Payload: &Payload{
				MessageType: "assistant",
				Preview:     ptr(truncate(deref(b.Text), TextCap)),
			}}
		case "thinking":
			return Entry{Kind: KindThinking, Payload: &Payload{
				MessageType: "thinking",
				Preview:     ptr(truncate(deref(b.Thinking), TextCap)),
			}}
		}
	}
	return Entry{Kind: KindAssistant}
}

func toolPayload(tool string, raw json.RawMessage) *Payload {
	p := &Payload{MessageType: "tool_use", Tool: tool}
	in := decodeInput(raw)

	switch tool {
	case "Bash":
		p.Command = truncatePtr(in.str("command"), CommandCap)
		p.Description = in.str("description")
	case "Edit":
		p.FilePath = in.str("file_path")
		p.OldString = truncatePtr(in.str("old_string"), SnippetCap)
		p.NewString = truncatePtr(in.str("new_string"), SnippetCap)
	case "Write":
		p.FilePath = in.str("file_path")
		p.ContentPreview = truncatePtr(in.str("content"), SnippetCap)
	case "Read":
		p.FilePath = in.str("file_path")
		p.Offset = in.integer("offset")
		p.Limit = in.integer("limit")
	case "Grep", "Glob":
		p.Pattern = in.str("pattern")
		p.Path = in.str("path")
	case "Task":
		p.TaskDescription = in.str("description")
		p.SubagentType = in.str("subagent_type")
	default:
		input := compactInput(raw)
		if len(input) > 2 {
			p.InputPreview = ptr(truncate(input, ResultCap))
		}
	}
	return p
}

func classifyResult(rec Record) Entry {
	preview, ok := textOf(rec.Content)
	if !ok && rec.Output != nil {
		preview = *rec.Output
	}
	return Entry{Kind: KindToolResult, Payload: &Payload{
		MessageType: "tool_result",
		ToolUseID:   orUnknown(rec.ToolUseID),
		IsError:     ptr(rec.IsError),
		Preview:     ptr(truncate(preview, ResultCap)),
	}}
}

// compactInput renders the tool input as compact JSON; absent input is "null".
func compactInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func truncatePtr(s *string, n int) *string {
	if s == nil {
		return nil
	}
	return ptr(truncate(*s, n))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T { return &v }
