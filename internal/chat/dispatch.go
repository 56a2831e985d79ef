package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/stream"
)

// Turn is the per-request context of one streamed answer. It is created by the orchestrator for each
// request and threaded through the dispatcher, so no correlation state outlives its request.
type Turn struct {
	// MessageID is the assistant message receiving the stream, empty once the stream is detached.
	MessageID string

	epoch           uint64
	started         bool
	thinkingCleared bool
}

// Started reports whether the first text event of the answer has arrived.
func (t *Turn) Started() bool {
	return t.started
}

// Dispatcher applies stream events to a store.
type Dispatcher struct {
	store  *Store
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher writing into store.
func NewDispatcher(store *Store, logger *slog.Logger) Dispatcher {
	return Dispatcher{
		store:  store,
		logger: logger.With(slog.String("module", "dispatcher")),
	}
}

// Begin creates the context of a new turn streaming into the message with the given id. Updates of the
// turn are applied only while the store stays in epoch.
func (d Dispatcher) Begin(epoch uint64, messageID string) *Turn {
	return &Turn{
		MessageID: messageID,
		epoch:     epoch,
	}
}

// Apply mutates the store according to ev. Events that do not match the current state are logged and
// dropped.
func (d Dispatcher) Apply(t *Turn, ev stream.Event) {
	switch ev := ev.(type) {
	case stream.Text:
		d.applyText(t, ev)
	case stream.FunctionCall:
		d.applyFunctionCall(t, ev)
	case stream.ToolAction:
		d.applyToolAction(t, ev)
	case stream.ToolOutputs:
		d.applyToolOutputs(t, ev)
	case stream.Retrieving:
		d.logger.Info("Backend is retrieving", slog.String("content", ev.Content))
	case stream.Unknown:
		d.logger.Debug("Ignoring unknown event", slog.String("type", ev.Type), slog.String("raw", string(ev.Raw)))
	default:
		panic(fmt.Sprintf("chat: unhandled event %T", ev))
	}
}

func (d Dispatcher) applyText(t *Turn, ev stream.Text) {
	if ev.Delta == "" {
		return
	}

	rs := []Reducer{AppendText(t.MessageID, ev.Delta)}
	if !t.started {
		t.started = true
		rs = append(rs, SetStreaming(true))
	}
	rs = append(rs, d.clearThinking(t)...)

	d.update(t, Chain(rs...))
}

func (d Dispatcher) applyFunctionCall(t *Turn, ev stream.FunctionCall) {
	rs := append([]Reducer{AppendFunctionCall(t.MessageID, ev.Name)}, d.clearThinking(t)...)
	d.update(t, Chain(rs...))
}

func (d Dispatcher) applyToolAction(t *Turn, ev stream.ToolAction) {
	ta := &models.ToolAction{
		ID:           ev.ID,
		RunID:        ev.RunID,
		FunctionName: ev.FunctionName,
	}

	queued := func(fc models.FunctionCall) bool {
		return fc.Name == ev.FunctionName && fc.Status == models.FunctionCallQueued
	}
	if !hasFunctionCall(d.store.State(), t.MessageID, queued) {
		d.logger.Debug("Tool action matches no queued function call",
			slog.String("function", ev.FunctionName),
			slog.String("callID", ev.ID))
	}

	d.update(t, Chain(
		SetToolAction(ta),
		MarkFunctionCallPending(t.MessageID, ev.FunctionName, ev.ID),
	))
}

func (d Dispatcher) applyToolOutputs(t *Turn, ev stream.ToolOutputs) {
	pending := func(fc models.FunctionCall) bool {
		return ev.ToolCallID != "" && fc.CallID == ev.ToolCallID && fc.Status == models.FunctionCallPending
	}
	if !hasFunctionCall(d.store.State(), t.MessageID, pending) {
		d.logger.Debug("Dropping tool outputs without a pending function call",
			slog.String("toolCallID", ev.ToolCallID))
		return
	}

	d.update(t, MarkFunctionCallCompleted(t.MessageID, ev.ToolCallID, decodeOutput(ev.Output, d.logger)))
}

func (d Dispatcher) clearThinking(t *Turn) []Reducer {
	if t.thinkingCleared {
		return nil
	}
	t.thinkingCleared = true
	return []Reducer{SetThinking(false)}
}

func (d Dispatcher) update(t *Turn, r Reducer) {
	if !d.store.UpdateAt(t.epoch, r) {
		d.logger.Debug("Discarding update for a reset chat", slog.String("messageID", t.MessageID))
	}
}

func decodeOutput(output string, logger *slog.Logger) any {
	var v any
	if err := json.Unmarshal([]byte(output), &v); err != nil {
		logger.Debug("Tool output is not JSON, keeping raw string", slog.String(errLoggerKey, err.Error()))
		return output
	}
	return v
}
