package models

import (
	"fmt"
	"strings"
	"time"
)

// Conversation is a stored conversation as listed by the backend history endpoints.
type Conversation struct {
	ID          string    `json:"_id"`
	ThreadID    string    `json:"threadId,omitempty"`
	Title       string    `json:"title"`
	User        string    `json:"user,omitempty"`
	AssistantID string    `json:"chatbot,omitempty"`
	StartTime   time.Time `json:"startTime"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// HistoryMessage is one message of a stored conversation.
type HistoryMessage struct {
	Role      string
	Text      string
	CreatedAt time.Time
}

// ToolAction is the context of a tool invocation the backend handed to the client. It is needed to submit
// the tool response that lets the run continue.
type ToolAction struct {
	ID           string
	RunID        string
	FunctionName string
}

// ToolOutput is one tool result submitted back to the backend.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Transcript is a closed widget session archived locally.
type Transcript struct {
	ID        string
	SessionID string
	Title     string
	ClosedAt  time.Time
	Messages  []Message
}

// RenderTranscript renders messages as plain text, one block per message. If withCalls is true, the
// function calls of each message are listed below its text.
func RenderTranscript(messages []Message, withCalls bool) string {
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Sender, msg.Text))
		if !withCalls {
			continue
		}
		for _, fc := range msg.FunctionCalls {
			sb.WriteString(fmt.Sprintf("  [%s] %s", fc.Status, fc.Name))
			if fc.CallID != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", fc.CallID))
			}
			if fc.Outputs != nil {
				sb.WriteString(fmt.Sprintf(" -> %v", fc.Outputs))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// ConversationRequest asks the backend to open a new conversation.
type ConversationRequest struct {
	UserID string
	// AssistantID selects the assistant in assistant mode.
	AssistantID string
	// Provider selects the LLM provider in LLM mode.
	Provider string
	Title    string
	// Greeting is stored by the backend as the first assistant message.
	Greeting string
}

// Question is one user turn sent to the backend.
type Question struct {
	Text      string
	SessionID string
	Stream    bool

	// RunID and CallID carry the active tool action, if any, in assistant mode.
	RunID  string
	CallID string
}

// ToolSubmission returns tool outputs for a run that is waiting on the client.
type ToolSubmission struct {
	SessionID string
	RunID     string
	Outputs   []ToolOutput
}
