package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/google/uuid"
)

// Backend is the remote chat service. Ask and SubmitToolOutputs return the response body stream, which
// the caller must close.
type Backend interface {
	CreateConversation(ctx context.Context, req models.ConversationRequest) (string, error)
	Ask(ctx context.Context, q models.Question) (io.ReadCloser, error)
	SubmitToolOutputs(ctx context.Context, sub models.ToolSubmission) (io.ReadCloser, error)
}

// SessionConfig holds the identity sent with conversation creation requests.
type SessionConfig struct {
	UserID      string
	AssistantID string
	Provider    string
	Greeting    string
}

// Session owns the identifier of the active conversation of one widget.
type Session struct {
	store   *Store
	backend Backend
	cfg     SessionConfig

	mu       sync.Mutex
	creating bool

	now    func() time.Time
	logger *slog.Logger
}

// NewSession creates a session manager for the widget backed by store.
func NewSession(store *Store, backend Backend, cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		store:   store,
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("module", "session")),
	}
}

// ID returns the identifier of the active conversation, empty if none exists yet.
func (s *Session) ID() string {
	return s.store.State().SessionID
}

// CreateConversation opens a new conversation on the backend unless one already exists or is being
// created, in which case it returns nil without doing anything. On success the conversation id is stored
// and the greeting is appended as a typed assistant message.
func (s *Session) CreateConversation(ctx context.Context) error {
	s.mu.Lock()
	if s.creating || s.store.State().SessionID != "" {
		s.mu.Unlock()
		return nil
	}
	s.creating = true
	epoch := s.store.Epoch()
	s.mu.Unlock()

	now := s.now()
	req := models.ConversationRequest{
		UserID:      s.cfg.UserID,
		AssistantID: s.cfg.AssistantID,
		Provider:    s.cfg.Provider,
		Title:       fmt.Sprintf("%s conversation", now.Format(time.DateOnly)),
		Greeting:    s.cfg.Greeting,
	}
	id, err := s.backend.CreateConversation(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store.Epoch() == epoch {
		s.creating = false
	}

	if err != nil {
		s.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	rs := []Reducer{SetSessionID(id)}
	if s.cfg.Greeting != "" {
		rs = append(rs, AppendMessage(models.Message{
			ID:        uuid.New().String(),
			Text:      s.cfg.Greeting,
			Sender:    models.SenderAssistant,
			Timestamp: now,
			Typed:     true,
		}))
	}
	applied := s.store.UpdateAt(epoch, Chain(rs...))
	if !applied {
		s.logger.Warn("Chat was reset while creating conversation, discarding it", slog.String("sessionID", id))
		return nil
	}

	s.logger.Info("Conversation created", slog.String("sessionID", id))
	return nil
}

// ResetState clears messages, indicators and the conversation id. It is used when the widget closes and
// always precedes the next CreateConversation.
func (s *Session) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creating = false
	s.store.Reset()
}
