package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
)

type conversationRequest struct {
	UserID      string `json:"userId"`
	AssistantID string `json:"assistantId"`
	LLMProvider string `json:"llmProvider"`
	Title       string `json:"title"`
	Text        string `json:"text"`
}

type conversationResponse struct {
	Thread       threadResponse      `json:"thread"`
	Conversation models.Conversation `json:"conversation"`
}

type threadResponse struct {
	ID string `json:"id"`
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
}

type historyMessage struct {
	Role      string           `json:"role"`
	CreatedAt int64            `json:"created_at"`
	Content   []historyContent `json:"content"`
}

type historyContent struct {
	Type string      `json:"type"`
	Text historyText `json:"text"`
}

type historyText struct {
	Value string `json:"value"`
}

const (
	defaultPage  = 1
	defaultLimit = 20
)

// HandleConversation opens a conversation. The response carries both the thread id, used by assistant
// mode clients, and the stored conversation, whose id is used by LLM mode clients. The optional text is
// stored as the greeting.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode conversation request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	conv := models.Conversation{
		ID:          newID(""),
		ThreadID:    newID("thread_"),
		Title:       req.Title,
		User:        req.UserID,
		AssistantID: req.AssistantID,
		StartTime:   now,
		LastUpdated: now,
	}
	if conv.Title == "" {
		conv.Title = "New Conversation"
	}
	m.convs.add(conv, req.Text)

	m.logger.Info("Conversation created",
		slog.String("conversationID", conv.ID),
		slog.String("threadID", conv.ThreadID),
		slog.String("llmProvider", req.LLMProvider))

	writeJSON(w, http.StatusCreated, conversationResponse{
		Thread:       threadResponse{ID: conv.ThreadID},
		Conversation: conv,
	})
}

// HandleConversations lists one page of conversations, most recently updated first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	page := queryInt(r, "page", defaultPage)
	limit := queryInt(r, "limit", defaultLimit)
	convs, total := m.convs.page(page, limit)

	writeJSON(w, http.StatusOK, conversationsResponse{
		Conversations: convs,
		Total:         total,
	})
}

// HandleConversationByID returns the messages of the conversation identified by the id path value, which
// may be either its conversation id or its thread id.
func (m Main) HandleConversationByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, ok := m.convs.messages(id)
	if !ok || len(msgs) == 0 {
		http.Error(w, "Conversation not found or has no messages", http.StatusNotFound)
		return
	}

	res := make([]historyMessage, len(msgs))
	for i, msg := range msgs {
		res[i] = historyMessage{
			Role:      msg.Role,
			CreatedAt: msg.CreatedAt.Unix(),
			Content:   []historyContent{{Type: "text", Text: historyText{Value: msg.Text}}},
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDeleteConversation removes the conversation identified by the id path value.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	if !m.convs.remove(id) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	m.logger.Info("Conversation deleted", slog.String("conversationID", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

// authorized reports whether the request carries a bearer token, and the configured one if any.
func (m Main) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return m.token == "" || token == m.token
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
