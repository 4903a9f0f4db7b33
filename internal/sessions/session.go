package sessions

import (
	"encoding/json"
	"time"
)

// Message is one turn in a session. Tool-call payloads are opaque to the
// store; they only contribute to token estimation by serialized size.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is an opaque tool-call descriptor carried on assistant messages.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Session stores the conversation history for one (channel, userId) pair.
type Session struct {
	ID           string            `json:"id"` // channel:userId
	Channel      string            `json:"channel"`
	UserID       string            `json:"userId"`
	Messages     []Message         `json:"messages"`
	MessageCount int               `json:"messageCount"`
	Created      time.Time         `json:"created"`
	Updated      time.Time         `json:"updated"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Summary is a lightweight session descriptor for listing. It never carries
// the full message list.
type Summary struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	UserID       string    `json:"userId"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// CompactionReport describes the outcome of one compaction pass.
type CompactionReport struct {
	SessionID     string `json:"sessionId"`
	Removed       int    `json:"removed"`
	Kept          int    `json:"kept"`
	TokensBefore  int    `json:"tokensBefore"`
	TokensAfter   int    `json:"tokensAfter"`
	MarkerContent string `json:"markerContent"`
}

// estimateMessageChars returns the character-count proxy for one message:
// content length plus the JSON form of any tool-call payloads.
func estimateMessageChars(m Message) int {
	chars := len(m.Content)
	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			chars += len(data)
		}
	}
	return chars
}

// EstimateMessages converts a message list to an approximate token count:
// total characters divided by four, rounded up. This governs compaction
// decisions only; no exact tokenizer is involved.
func EstimateMessages(msgs []Message) int {
	chars := 0
	for _, m := range msgs {
		chars += estimateMessageChars(m)
	}
	return (chars + 3) / 4
}
