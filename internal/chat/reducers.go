package chat

import (
	"slices"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
)

// AppendMessage adds msg at the end of the message list.
func AppendMessage(msg models.Message) Reducer {
	return func(s State) State {
		s.Messages = append(slices.Clip(s.Messages), msg)
		return s
	}
}

// SetInput replaces the draft input.
func SetInput(input string) Reducer {
	return func(s State) State {
		s.Input = input
		return s
	}
}

// SetThinking sets the thinking indicator.
func SetThinking(v bool) Reducer {
	return func(s State) State {
		s.Thinking = v
		return s
	}
}

// SetStreaming sets the streaming indicator.
func SetStreaming(v bool) Reducer {
	return func(s State) State {
		s.Streaming = v
		return s
	}
}

// SetSessionID stores the conversation identifier.
func SetSessionID(id string) Reducer {
	return func(s State) State {
		s.SessionID = id
		return s
	}
}

// SetToolAction stores the active tool action context.
func SetToolAction(ta *models.ToolAction) Reducer {
	return func(s State) State {
		s.ToolAction = ta
		return s
	}
}

// StopIndicators clears both the thinking and the streaming indicators.
func StopIndicators() Reducer {
	return func(s State) State {
		s.Thinking = false
		s.Streaming = false
		return s
	}
}

// Chain applies rs in order.
func Chain(rs ...Reducer) Reducer {
	return func(s State) State {
		for _, r := range rs {
			s = r(s)
		}
		return s
	}
}

// AppendText appends delta to the text of the message with the given id.
func AppendText(messageID, delta string) Reducer {
	return updateMessage(messageID, func(m models.Message) models.Message {
		m.Text += delta
		return m
	})
}

// AppendFunctionCall adds a queued function call named name to the message with the given id.
func AppendFunctionCall(messageID, name string) Reducer {
	return updateMessage(messageID, func(m models.Message) models.Message {
		m.FunctionCalls = append(m.FunctionCalls, models.FunctionCall{
			Name:   name,
			Status: models.FunctionCallQueued,
		})
		return m
	})
}

// MarkFunctionCallPending moves the first queued function call named name to pending and assigns callID.
// Calls in any other status are left alone.
func MarkFunctionCallPending(messageID, name, callID string) Reducer {
	return advanceFunctionCall(messageID, models.FunctionCallPending, func(fc models.FunctionCall) bool {
		return fc.Name == name && fc.Status == models.FunctionCallQueued
	}, func(fc models.FunctionCall) models.FunctionCall {
		fc.CallID = callID
		return fc
	})
}

// MarkFunctionCallCompleted moves the pending function call with the given callID to completed and
// stores outputs.
func MarkFunctionCallCompleted(messageID, callID string, outputs any) Reducer {
	return advanceFunctionCall(messageID, models.FunctionCallCompleted, func(fc models.FunctionCall) bool {
		return callID != "" && fc.CallID == callID
	}, func(fc models.FunctionCall) models.FunctionCall {
		fc.Outputs = outputs
		return fc
	})
}

func updateMessage(messageID string, fn func(models.Message) models.Message) Reducer {
	return func(s State) State {
		idx := slices.IndexFunc(s.Messages, func(m models.Message) bool { return m.ID == messageID })
		if messageID == "" || idx == -1 {
			return s
		}

		msgs := slices.Clone(s.Messages)
		msgs[idx] = fn(msgs[idx].Clone())
		s.Messages = msgs
		return s
	}
}

// advanceFunctionCall moves the first function call matching match to status, applying fn to it. Calls
// already at or past status never match, so a status only moves forward.
func advanceFunctionCall(
	messageID string,
	status models.FunctionCallStatus,
	match func(models.FunctionCall) bool,
	fn func(models.FunctionCall) models.FunctionCall,
) Reducer {
	return updateMessage(messageID, func(m models.Message) models.Message {
		idx := slices.IndexFunc(m.FunctionCalls, func(fc models.FunctionCall) bool {
			return fc.Status.Rank() < status.Rank() && match(fc)
		})
		if idx == -1 {
			return m
		}
		fc := fn(m.FunctionCalls[idx])
		fc.Status = status
		m.FunctionCalls[idx] = fc
		return m
	})
}

// hasFunctionCall reports whether the message with the given id has a function call matching match.
func hasFunctionCall(s State, messageID string, match func(models.FunctionCall) bool) bool {
	idx := slices.IndexFunc(s.Messages, func(m models.Message) bool { return m.ID == messageID })
	if messageID == "" || idx == -1 {
		return false
	}
	return slices.ContainsFunc(s.Messages[idx].FunctionCalls, match)
}
