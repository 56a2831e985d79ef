package services

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/tidwall/gjson"
)

// Mode selects the family of conversation endpoints the backend exposes.
type Mode string

// VectorStore configures document retrieval for LLM mode questions.
type VectorStore struct {
	StoreType string `json:"store_type" yaml:"storeType"`
	IndexName string `json:"index_name,omitempty" yaml:"indexName"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace"`
	TopK      int    `json:"top_k,omitempty" yaml:"topK"`
	Hybrid    bool   `json:"hybrid,omitempty" yaml:"hybrid"`
}

// BackendOptions configures a Backend. Fields of the mode that is not selected are ignored.
type BackendOptions struct {
	Mode  Mode
	Token string

	AssistantID string
	Model       string

	Provider      string
	VectorStore   VectorStore
	Temperature   float64
	MaxTokens     int
	SystemMessage string
}

// Backend is the HTTP client of the chat backend. It speaks both the assistant endpoints, where a
// conversation is an assistant thread, and the LLM endpoints, where a conversation is a stored
// document answered by a retrieval augmented model.
type Backend struct {
	baseURL string
	opts    BackendOptions

	client *http.Client

	logger *slog.Logger
}

type conversationRequest struct {
	UserID      string `json:"userId"`
	AssistantID string `json:"assistantId,omitempty"`
	LLMProvider string `json:"llmProvider,omitempty"`
	Title       string `json:"title"`
	Text        string `json:"text,omitempty"`
}

type askAIRequest struct {
	Question    string `json:"question"`
	Model       string `json:"model"`
	ThreadID    string `json:"threadId"`
	Stream      bool   `json:"stream"`
	AssistantID string `json:"assistantId"`
	RunID       string `json:"runId,omitempty"`
	CallID      string `json:"callId,omitempty"`
}

type askLLMRequest struct {
	ConversationID string      `json:"conversation_id"`
	Query          string      `json:"query"`
	VectorStore    VectorStore `json:"vector_store"`
	LLM            llmOptions  `json:"llm"`
	Stream         bool        `json:"stream"`
}

type llmOptions struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	SystemMessage string  `json:"system_message,omitempty"`
}

type toolSubmissionRequest struct {
	ThreadID    string              `json:"thread_id"`
	RunID       string              `json:"run_id"`
	ToolOutputs []models.ToolOutput `json:"tool_outputs"`
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
}

const (
	// ModeAssistant talks to /askAI and identifies conversations by assistant thread id.
	ModeAssistant Mode = "assistant"
	// ModeLLM talks to /ask-llm-conversation and identifies conversations by stored conversation id.
	ModeLLM Mode = "llm"

	defaultIndexName   = "pdf-vectors"
	defaultNamespace   = "pdf_files"
	defaultTopK        = 5
	defaultTemperature = 0.25
	defaultMaxTokens   = 4096

	maxErrorBody = 4 << 10
)

// Assistant replies may reference retrieved files with markers like 【4:0†source】.
var citationPattern = regexp.MustCompile(`【\d+:\d+†source】`)

// NewBackend creates a client for the backend at baseURL. Missing LLM mode tuning options are filled with
// the defaults of the hosted widget.
func NewBackend(baseURL string, opts BackendOptions, logger *slog.Logger) Backend {
	opts.Mode = cmp.Or(opts.Mode, ModeAssistant)
	opts.VectorStore.IndexName = cmp.Or(opts.VectorStore.IndexName, defaultIndexName)
	opts.VectorStore.Namespace = cmp.Or(opts.VectorStore.Namespace, defaultNamespace)
	opts.VectorStore.TopK = cmp.Or(opts.VectorStore.TopK, defaultTopK)
	opts.Temperature = cmp.Or(opts.Temperature, defaultTemperature)
	opts.MaxTokens = cmp.Or(opts.MaxTokens, defaultMaxTokens)

	return Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "backend")),
	}
}

// Mode returns the endpoint family the client talks to.
func (b Backend) Mode() Mode {
	return b.opts.Mode
}

// CreateConversation opens a new conversation and returns its id: the thread id in assistant mode, the
// conversation id in LLM mode.
func (b Backend) CreateConversation(ctx context.Context, req models.ConversationRequest) (string, error) {
	body := conversationRequest{
		UserID: req.UserID,
		Title:  req.Title,
		Text:   req.Greeting,
	}
	if b.opts.Mode == ModeLLM {
		body.LLMProvider = cmp.Or(req.Provider, b.opts.Provider)
	} else {
		body.AssistantID = cmp.Or(req.AssistantID, b.opts.AssistantID)
	}

	resp, err := b.do(ctx, http.MethodPost, "/conversation", body)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}

	id := b.conversationID(raw)
	if id == "" {
		return "", fmt.Errorf("conversation id not found in response: %s", raw)
	}
	return id, nil
}

// Ask sends a question and returns the body of the streamed answer, which the caller must close.
func (b Backend) Ask(ctx context.Context, q models.Question) (io.ReadCloser, error) {
	q.Stream = true
	resp, err := b.ask(ctx, q)
	if err != nil {
		return nil, err
	}
	return streamBody(resp)
}

// AskOnce sends a question without streaming and returns the whole answer.
func (b Backend) AskOnce(ctx context.Context, q models.Question) (string, error) {
	q.Stream = false
	resp, err := b.ask(ctx, q)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}

	field := "response"
	if b.opts.Mode == ModeLLM {
		field = "llm_response"
	}
	res := gjson.GetBytes(raw, field)
	if !res.Exists() {
		return "", fmt.Errorf("field %s not found in response: %s", field, raw)
	}
	return res.String(), nil
}

// SubmitToolOutputs hands tool outputs to a run waiting on the client and returns the body of the streamed
// continuation, which the caller must close.
func (b Backend) SubmitToolOutputs(ctx context.Context, sub models.ToolSubmission) (io.ReadCloser, error) {
	body := toolSubmissionRequest{
		ThreadID:    sub.SessionID,
		RunID:       sub.RunID,
		ToolOutputs: sub.Outputs,
	}
	resp, err := b.do(ctx, http.MethodPost, "/submit-tool-response", body)
	if err != nil {
		return nil, fmt.Errorf("error submitting tool outputs: %w", err)
	}
	return streamBody(resp)
}

// Conversations returns one page of the stored conversations of the authenticated user, and the total
// number of conversations the backend reports.
func (b Backend) Conversations(ctx context.Context, page, limit int) ([]models.Conversation, int, error) {
	if b.opts.Token == "" {
		return nil, 0, ErrNoToken
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	resp, err := b.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error fetching conversations: %w", err)
	}
	defer resp.Body.Close()

	var res conversationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, 0, fmt.Errorf("error decoding response: %w", err)
	}
	return res.Conversations, res.Total, nil
}

// Conversation returns the messages of a stored conversation in chronological order, with citation
// markers removed. It returns nil and no error if the conversation does not exist.
func (b Backend) Conversation(ctx context.Context, id string) ([]models.HistoryMessage, error) {
	resp, err := b.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(id), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			b.logger.Warn("Conversation not found or has no messages", slog.String("conversationID", id))
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching conversation: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid conversation response: %s", raw)
	}

	list := gjson.ParseBytes(raw)
	if list.IsObject() {
		list = list.Get("messages")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("conversation response has no messages: %s", raw)
	}

	var msgs []models.HistoryMessage
	list.ForEach(func(_, v gjson.Result) bool {
		msgs = append(msgs, models.HistoryMessage{
			Role:      v.Get("role").String(),
			Text:      citationPattern.ReplaceAllString(v.Get("content.0.text.value").String(), ""),
			CreatedAt: time.Unix(v.Get("created_at").Int(), 0),
		})
		return true
	})
	slices.SortStableFunc(msgs, func(a, b models.HistoryMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return msgs, nil
}

// DeleteConversation removes a stored conversation of the authenticated user.
func (b Backend) DeleteConversation(ctx context.Context, id string) error {
	if b.opts.Token == "" {
		return ErrNoToken
	}

	resp, err := b.do(ctx, http.MethodDelete, "/conversation/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("error deleting conversation %s: %w", id, err)
	}
	resp.Body.Close()
	return nil
}

func (b Backend) ask(ctx context.Context, q models.Question) (*http.Response, error) {
	var (
		path string
		body any
	)
	if b.opts.Mode == ModeLLM {
		path = "/ask-llm-conversation"
		body = askLLMRequest{
			ConversationID: q.SessionID,
			Query:          q.Text,
			VectorStore:    b.opts.VectorStore,
			LLM: llmOptions{
				Provider:      b.opts.Provider,
				Model:         b.opts.Model,
				Temperature:   b.opts.Temperature,
				MaxTokens:     b.opts.MaxTokens,
				SystemMessage: b.opts.SystemMessage,
			},
			Stream: q.Stream,
		}
	} else {
		path = "/askAI"
		body = askAIRequest{
			Question:    q.Text,
			Model:       b.opts.Model,
			ThreadID:    q.SessionID,
			Stream:      q.Stream,
			AssistantID: b.opts.AssistantID,
			RunID:       q.RunID,
			CallID:      q.CallID,
		}
	}

	resp, err := b.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, fmt.Errorf("error sending question: %w", err)
	}
	return resp, nil
}

func (b Backend) conversationID(raw []byte) string {
	paths := []string{"thread.id", "conversation._id", "id"}
	if b.opts.Mode == ModeLLM {
		paths = []string{"conversation._id", "thread.id", "id"}
	}
	for _, p := range paths {
		if v := gjson.GetBytes(raw, p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func (b Backend) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		b.logger.Debug("Request body", slog.String("path", path), slog.String("body", string(jsonBody)))
		rd = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.opts.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Error("Request failed", slog.String("path", path), slog.String(errLoggerKey, err.Error()))
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func streamBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Body == nil {
		return nil, ErrNoStream
	}
	if resp.Body == http.NoBody {
		resp.Body.Close()
		return nil, ErrNoStream
	}
	return resp.Body, nil
}
