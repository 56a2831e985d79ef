package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Event is one decoded stream event. The set of implementations is closed: Text, FunctionCall, ToolAction,
// ToolOutputs, Retrieving and Unknown.
type Event interface {
	// Kind returns the wire value of the event's type discriminator.
	Kind() Kind

	isEvent()
}

// Kind is the `type` discriminator of a stream event.
type Kind string

const (
	KindText         Kind = "text"
	KindFunctionCall Kind = "function_call"
	KindToolAction   Kind = "tool_action"
	KindToolOutputs  Kind = "tool_outputs"
	KindRetrieving   Kind = "retrieving"
)

// Text carries a delta of assistant text.
type Text struct {
	Delta string
}

// FunctionCall announces a tool invocation by the assistant.
type FunctionCall struct {
	Name string
}

// ToolAction hands a tool invocation to the client. Only the first action of the payload is kept.
type ToolAction struct {
	ID           string
	RunID        string
	FunctionName string
}

// ToolOutputs reports the output of a tool invocation, correlated by call id.
type ToolOutputs struct {
	ToolCallID string
	Output     string
}

// Retrieving is an informational event sent while the backend searches its document store.
type Retrieving struct {
	Content string
}

// Unknown is an event with an unrecognized or missing type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Text) Kind() Kind         { return KindText }
func (FunctionCall) Kind() Kind { return KindFunctionCall }
func (ToolAction) Kind() Kind   { return KindToolAction }
func (ToolOutputs) Kind() Kind  { return KindToolOutputs }
func (Retrieving) Kind() Kind   { return KindRetrieving }
func (u Unknown) Kind() Kind    { return Kind(u.Type) }

func (Text) isEvent()         {}
func (FunctionCall) isEvent() {}
func (ToolAction) isEvent()   {}
func (ToolOutputs) isEvent()  {}
func (Retrieving) isEvent()   {}
func (Unknown) isEvent()      {}

// Decode converts one JSON object extracted by Parser into an Event. The two backend modes disagree on
// field names, so text is read from `data` or `content`, and a function call name from `data.name` or
// `name`.
func Decode(raw json.RawMessage) Event {
	res := gjson.ParseBytes(raw)
	typ := res.Get("type").String()

	switch Kind(typ) {
	case KindText:
		delta := res.Get("data")
		if !delta.Exists() || delta.String() == "" {
			delta = res.Get("content")
		}
		return Text{Delta: delta.String()}
	case KindFunctionCall:
		name := res.Get("data.name")
		if !name.Exists() {
			name = res.Get("name")
		}
		return FunctionCall{Name: name.String()}
	case KindToolAction:
		first := res.Get("data.0")
		return ToolAction{
			ID:           first.Get("id").String(),
			RunID:        first.Get("run_id").String(),
			FunctionName: first.Get("function.name").String(),
		}
	case KindToolOutputs:
		output := res.Get("data.output")
		out := output.String()
		if output.Exists() && output.Type != gjson.String {
			out = output.Raw
		}
		return ToolOutputs{
			ToolCallID: res.Get("data.tool_call_id").String(),
			Output:     out,
		}
	case KindRetrieving:
		return Retrieving{Content: res.Get("content").String()}
	default:
		return Unknown{Type: typ, Raw: raw}
	}
}
