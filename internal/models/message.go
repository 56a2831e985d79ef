package models

import "time"

// Message represents one chat turn shown in the widget. A user message is immutable once created, an
// assistant message grows by appended text deltas and function calls while it is the streaming target of a
// request.
type Message struct {
	ID        string
	Text      string
	Sender    Sender
	Timestamp time.Time

	// Typed marks synthetic messages, such as the greeting, that play a character-reveal animation on
	// first render.
	Typed bool

	// FunctionCalls lists the tool invocations requested while this message was streaming, in invocation
	// order.
	FunctionCalls []FunctionCall
}

// Sender identifies who authored a message.
type Sender string

// FunctionCall tracks the lifecycle of one tool invocation requested by the assistant.
type FunctionCall struct {
	Name   string
	Status FunctionCallStatus

	// CallID is assigned when the call becomes pending, it is empty before that.
	CallID string

	// Outputs is filled when the call completes. It holds the decoded JSON value of the tool output, or the
	// raw output string if it is not valid JSON.
	Outputs any
}

// FunctionCallStatus is the state of a FunctionCall. Statuses only move forward:
// queued, pending, completed.
type FunctionCallStatus string

const (
	// SenderUser represents a message typed by the user.
	SenderUser Sender = "You"
	// SenderAssistant represents a message produced by the assistant, including the greeting.
	SenderAssistant Sender = "Assistant"

	// FunctionCallQueued is the status of a function call announced by the backend.
	FunctionCallQueued FunctionCallStatus = "queued"
	// FunctionCallPending is the status of a function call the backend asked the client to act on.
	FunctionCallPending FunctionCallStatus = "pending"
	// FunctionCallCompleted is the status of a function call whose output has arrived.
	FunctionCallCompleted FunctionCallStatus = "completed"
)

// Rank orders statuses so callers can check that a transition moves forward.
func (s FunctionCallStatus) Rank() int {
	switch s {
	case FunctionCallQueued:
		return 1
	case FunctionCallPending:
		return 2
	case FunctionCallCompleted:
		return 3
	default:
		return 0
	}
}

// Clone returns a copy of the message that shares no mutable state with the original.
func (m Message) Clone() Message {
	if m.FunctionCalls != nil {
		fcs := make([]FunctionCall, len(m.FunctionCalls))
		copy(fcs, m.FunctionCalls)
		m.FunctionCalls = fcs
	}
	return m
}
