package services_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) add(req recordedRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.reqs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newServer serves status and body for every request and records what it received.
func newServer(t *testing.T, status int, body string) (*httptest.Server, *recorder) {
	t.Helper()

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				assert.NoError(t, json.Unmarshal(raw, &req.body))
			}
		}
		rec.add(req)

		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestCreateConversation(t *testing.T) {
	tests := []struct {
		name     string
		opts     services.BackendOptions
		response string
		wantID   string
		wantBody map[string]any
	}{
		{
			name:     "assistant mode",
			opts:     services.BackendOptions{AssistantID: "asst_1"},
			response: `{"thread":{"id":"thread_1"},"conversation":{"_id":"conv_1"}}`,
			wantID:   "thread_1",
			wantBody: map[string]any{
				"userId":      "u1",
				"assistantId": "asst_1",
				"title":       "2025-03-01 conversation",
				"text":        "Hi",
			},
		},
		{
			name:     "llm mode",
			opts:     services.BackendOptions{Mode: services.ModeLLM, Provider: "openai"},
			response: `{"thread":{"id":"thread_1"},"conversation":{"_id":"conv_1"}}`,
			wantID:   "conv_1",
			wantBody: map[string]any{
				"userId":      "u1",
				"llmProvider": "openai",
				"title":       "2025-03-01 conversation",
				"text":        "Hi",
			},
		},
		{
			name:     "bare id",
			response: `{"id":"plain"}`,
			wantID:   "plain",
			wantBody: map[string]any{
				"userId": "u1",
				"title":  "2025-03-01 conversation",
				"text":   "Hi",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newServer(t, http.StatusCreated, tt.response)
			b := services.NewBackend(srv.URL+"/", tt.opts, discardLogger())

			id, err := b.CreateConversation(context.Background(), models.ConversationRequest{
				UserID:   "u1",
				Title:    "2025-03-01 conversation",
				Greeting: "Hi",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)

			require.Len(t, reqs.all(), 1)
			assert.Equal(t, http.MethodPost, reqs.all()[0].method)
			assert.Equal(t, "/conversation", reqs.all()[0].path)
			assert.Equal(t, tt.wantBody, reqs.all()[0].body)
		})
	}
}

func TestCreateConversationErrors(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"thread":{}}`)
	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())
	_, err := b.CreateConversation(context.Background(), models.ConversationRequest{})
	require.ErrorContains(t, err, "conversation id not found")

	srv, _ = newServer(t, http.StatusInternalServerError, "boom\n")
	b = services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())
	_, err = b.CreateConversation(context.Background(), models.ConversationRequest{})

	var se *services.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, "boom", se.Body)
}

func TestAskAssistantMode(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `data: {"type":"text","data":"Hi"}`)
	b := services.NewBackend(srv.URL, services.BackendOptions{
		AssistantID: "asst_1",
		Model:       "gpt-4o",
	}, discardLogger())

	body, err := b.Ask(context.Background(), models.Question{
		Text:      "Hello",
		SessionID: "thread_1",
		RunID:     "run_1",
		CallID:    "call_1",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `data: {"type":"text","data":"Hi"}`, string(raw))

	require.Len(t, reqs.all(), 1)
	assert.Equal(t, "/askAI", reqs.all()[0].path)
	assert.Equal(t, map[string]any{
		"question":    "Hello",
		"model":       "gpt-4o",
		"threadId":    "thread_1",
		"stream":      true,
		"assistantId": "asst_1",
		"runId":       "run_1",
		"callId":      "call_1",
	}, reqs.all()[0].body)
}

func TestAskLLMMode(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `data: {"type":"text","data":"Hi"}`)
	b := services.NewBackend(srv.URL, services.BackendOptions{
		Mode:          services.ModeLLM,
		Token:         "secret",
		Provider:      "anthropic",
		Model:         "claude",
		VectorStore:   services.VectorStore{StoreType: "pinecone", Hybrid: true},
		SystemMessage: "Be brief.",
	}, discardLogger())

	body, err := b.Ask(context.Background(), models.Question{Text: "Hello", SessionID: "conv_1"})
	require.NoError(t, err)
	body.Close()

	require.Len(t, reqs.all(), 1)
	assert.Equal(t, "/ask-llm-conversation", reqs.all()[0].path)
	assert.Equal(t, "Bearer secret", reqs.all()[0].auth)
	assert.Equal(t, map[string]any{
		"conversation_id": "conv_1",
		"query":           "Hello",
		"vector_store": map[string]any{
			"store_type": "pinecone",
			"index_name": "pdf-vectors",
			"namespace":  "pdf_files",
			"top_k":      float64(5),
			"hybrid":     true,
		},
		"llm": map[string]any{
			"provider":       "anthropic",
			"model":          "claude",
			"temperature":    0.25,
			"max_tokens":     float64(4096),
			"system_message": "Be brief.",
		},
		"stream": true,
	}, reqs.all()[0].body)
}

func TestAskWithoutBody(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, "")
	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())

	_, err := b.Ask(context.Background(), models.Question{Text: "Hello", SessionID: "thread_1"})
	require.ErrorIs(t, err, services.ErrNoStream)
}

func TestAskOnce(t *testing.T) {
	tests := []struct {
		name     string
		mode     services.Mode
		response string
		want     string
	}{
		{name: "assistant", mode: services.ModeAssistant, response: `{"response":"Hi there"}`, want: "Hi there"},
		{name: "llm", mode: services.ModeLLM, response: `{"llm_response":"Cześć"}`, want: "Cześć"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newServer(t, http.StatusOK, tt.response)
			b := services.NewBackend(srv.URL, services.BackendOptions{Mode: tt.mode}, discardLogger())

			got, err := b.AskOnce(context.Background(), models.Question{Text: "Hello", SessionID: "s1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, false, reqs.all()[0].body["stream"])
		})
	}
}

func TestSubmitToolOutputs(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `data: {"type":"text","data":"ok"}`)
	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())

	body, err := b.SubmitToolOutputs(context.Background(), models.ToolSubmission{
		SessionID: "thread_1",
		RunID:     "run_1",
		Outputs:   []models.ToolOutput{{ToolCallID: "call_1", Output: "yes"}},
	})
	require.NoError(t, err)
	body.Close()

	require.Len(t, reqs.all(), 1)
	assert.Equal(t, "/submit-tool-response", reqs.all()[0].path)
	assert.Equal(t, map[string]any{
		"thread_id": "thread_1",
		"run_id":    "run_1",
		"tool_outputs": []any{
			map[string]any{"tool_call_id": "call_1", "output": "yes"},
		},
	}, reqs.all()[0].body)
}

func TestConversations(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{
		"conversations":[{"_id":"c1","threadId":"thread_1","title":"2025-03-01 conversation",
			"startTime":"2025-03-01T10:00:00Z","lastUpdated":"2025-03-01T10:05:00Z"}],
		"total":21}`)

	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())
	_, _, err := b.Conversations(context.Background(), 1, 20)
	require.ErrorIs(t, err, services.ErrNoToken)
	assert.Empty(t, reqs.all())

	b = services.NewBackend(srv.URL, services.BackendOptions{Token: "secret"}, discardLogger())
	convs, total, err := b.Conversations(context.Background(), 2, 20)
	require.NoError(t, err)
	assert.Equal(t, 21, total)
	assert.Equal(t, []models.Conversation{{
		ID:          "c1",
		ThreadID:    "thread_1",
		Title:       "2025-03-01 conversation",
		StartTime:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		LastUpdated: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}}, convs)

	require.Len(t, reqs.all(), 1)
	assert.Equal(t, "/conversations", reqs.all()[0].path)
	assert.Equal(t, "limit=20&page=2", reqs.all()[0].query)
	assert.Equal(t, "Bearer secret", reqs.all()[0].auth)
}

func TestConversation(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `[
		{"role":"assistant","created_at":20,"content":[{"text":{"value":"Open daily【4:0†source】."}}]},
		{"role":"user","created_at":10,"content":[{"text":{"value":"When are you open?"}}]}
	]`)
	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())

	msgs, err := b.Conversation(context.Background(), "thread_1")
	require.NoError(t, err)
	assert.Equal(t, []models.HistoryMessage{
		{Role: "user", Text: "When are you open?", CreatedAt: time.Unix(10, 0)},
		{Role: "assistant", Text: "Open daily.", CreatedAt: time.Unix(20, 0)},
	}, msgs)
	assert.Equal(t, "/conversation/thread_1", reqs.all()[0].path)
}

func TestConversationNotFound(t *testing.T) {
	srv, _ := newServer(t, http.StatusNotFound, `{"error":"not found"}`)
	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())

	msgs, err := b.Conversation(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestDeleteConversation(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{}`)

	b := services.NewBackend(srv.URL, services.BackendOptions{}, discardLogger())
	require.ErrorIs(t, b.DeleteConversation(context.Background(), "c1"), services.ErrNoToken)

	b = services.NewBackend(srv.URL, services.BackendOptions{Token: "secret"}, discardLogger())
	require.NoError(t, b.DeleteConversation(context.Background(), "c1"))

	require.Len(t, reqs.all(), 1)
	assert.Equal(t, http.MethodDelete, reqs.all()[0].method)
	assert.Equal(t, "/conversation/c1", reqs.all()[0].path)
}
