package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/stream"
	"github.com/google/uuid"
)

// Chat drives user turns end to end: it records the question, sends it to the backend, and streams the
// answer into the store.
type Chat struct {
	store      *Store
	session    *Session
	backend    Backend
	dispatcher Dispatcher

	// busy guards against a second request while one is streaming.
	busy atomic.Bool

	logger *slog.Logger
}

// New creates a Chat over store. The session must manage the same store.
func New(store *Store, session *Session, backend Backend, logger *slog.Logger) *Chat {
	return &Chat{
		store:      store,
		session:    session,
		backend:    backend,
		dispatcher: NewDispatcher(store, logger),
		logger:     logger.With(slog.String("module", "chat")),
	}
}

// Store returns the store the chat writes into.
func (c *Chat) Store() *Store {
	return c.store
}

// Session returns the session manager of the chat.
func (c *Chat) Session() *Session {
	return c.session
}

// Send records text as a user message and streams the answer into a new assistant message. It blocks
// until the answer ends, ctx is done, or the request fails. Precondition failures leave the messages
// untouched. After a failure mid-stream the partial answer stays visible.
func (c *Chat) Send(ctx context.Context, text string) error {
	state := c.store.State()
	if state.SessionID == "" {
		c.logger.Error("Cannot send without a conversation")
		return ErrNoSession
	}
	if strings.TrimSpace(text) == "" {
		c.logger.Error("Cannot send an empty message")
		return ErrEmptyInput
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Error("Cannot send while an answer is in progress")
		return ErrBusy
	}
	defer c.busy.Store(false)

	epoch := c.store.Epoch()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Sender:    models.SenderUser,
		Timestamp: time.Now(),
	}
	c.store.UpdateAt(epoch, Chain(
		AppendMessage(userMsg),
		SetInput(""),
		SetThinking(true),
		SetStreaming(false),
	))

	q := models.Question{
		Text:      text,
		SessionID: state.SessionID,
		Stream:    true,
	}
	if ta := state.ToolAction; ta != nil {
		q.RunID = ta.RunID
		q.CallID = ta.ID
	}

	body, err := c.backend.Ask(ctx, q)
	if err != nil {
		return c.fail(epoch, nil, fmt.Errorf("failed to send message: %w", err))
	}

	return c.consume(ctx, epoch, body)
}

// SubmitToolResponse sends output as the result of the active tool action and streams the continuation
// of the answer into a new assistant message.
func (c *Chat) SubmitToolResponse(ctx context.Context, output string) error {
	state := c.store.State()
	if state.SessionID == "" {
		c.logger.Error("Cannot submit tool response without a conversation")
		return ErrNoSession
	}
	if state.ToolAction == nil {
		c.logger.Error("Cannot submit tool response without a tool action")
		return ErrNoToolAction
	}
	if output == "" {
		c.logger.Error("Cannot submit an empty tool response")
		return ErrEmptyInput
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Error("Cannot submit tool response while an answer is in progress")
		return ErrBusy
	}
	defer c.busy.Store(false)

	epoch := c.store.Epoch()
	ta := *state.ToolAction
	c.store.UpdateAt(epoch, Chain(SetThinking(true), SetStreaming(false)))

	body, err := c.backend.SubmitToolOutputs(ctx, models.ToolSubmission{
		SessionID: state.SessionID,
		RunID:     ta.RunID,
		Outputs: []models.ToolOutput{
			{ToolCallID: ta.ID, Output: output},
		},
	})
	if err != nil {
		return c.fail(epoch, nil, fmt.Errorf("failed to submit tool response: %w", err))
	}

	// The action is consumed, so later questions do not carry its run.
	c.store.UpdateAt(epoch, func(s State) State {
		if s.ToolAction != nil && s.ToolAction.ID == ta.ID {
			s.ToolAction = nil
		}
		return s
	})

	return c.consume(ctx, epoch, body)
}

func (c *Chat) consume(ctx context.Context, epoch uint64, body io.ReadCloser) error {
	defer body.Close()

	placeholder := models.Message{
		ID:            uuid.New().String(),
		Sender:        models.SenderAssistant,
		Timestamp:     time.Now(),
		FunctionCalls: []models.FunctionCall{},
	}
	c.store.UpdateAt(epoch, AppendMessage(placeholder))

	turn := c.dispatcher.Begin(epoch, placeholder.ID)
	for ev, err := range stream.Read(ctx, body, c.logger) {
		if err != nil {
			return c.fail(epoch, turn, fmt.Errorf("failed to read answer: %w", err))
		}
		c.dispatcher.Apply(turn, ev)
	}

	turn.MessageID = ""
	c.store.UpdateAt(epoch, StopIndicators())
	c.logger.Debug("Answer completed", slog.String("messageID", placeholder.ID))
	return nil
}

func (c *Chat) fail(epoch uint64, turn *Turn, err error) error {
	if turn != nil {
		turn.MessageID = ""
	}
	c.store.UpdateAt(epoch, StopIndicators())

	if errors.Is(err, context.Canceled) {
		c.logger.Info("Answer canceled")
		return err
	}
	c.logger.Error("Answer failed", slog.String(errLoggerKey, err.Error()))
	return err
}
