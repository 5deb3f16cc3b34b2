package main

import "encoding/json"

// Message types
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeResult    = "result"
	TypeError     = "error"
)

// Content block types
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Tool names matching Claude Code conventions
const (
	ToolBash = "Bash"
	ToolRead = "Read"
	ToolGrep = "Grep"
)

// InitMsg is the session announcement emitted as the first output line.
// Consumers capture SessionID from it to resume the conversation later.
type InitMsg struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Cwd       string   `json:"cwd,omitempty"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools,omitempty"`
}

// AssistantMsg is an assistant message with content blocks.
type AssistantMsg struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   AssistantBody `json:"message"`
}

// AssistantBody is the body of an assistant message.
type AssistantBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultMsg is the final result line of a run. Result holds a ResultData
// object on success and a plain error string when IsError is set.
type ResultMsg struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	SessionID     string          `json:"session_id"`
	Result        json.RawMessage `json:"result"`
	IsError       bool            `json:"is_error"`
	NumTurns      int             `json:"num_turns"`
	DurationMS    int64           `json:"duration_ms"`
	DurationAPIMS int64           `json:"duration_api_ms"`
	CostUSD       float64         `json:"cost_usd"`
}

// ResultData is the result object for successful completions.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ErrorMsg is an unrecoverable agent fault announced on its own line.
type ErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}
