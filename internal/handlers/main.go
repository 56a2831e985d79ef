package handlers

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Script describes how the development backend answers. Replies are matched against the question in
// order; the first reply with an empty Match is the fallback.
type Script struct {
	// Delay is the pause between two stream frames.
	Delay        time.Duration `yaml:"delay"`
	Replies      []Reply       `yaml:"replies"`
	ToolResponse []Step        `yaml:"toolResponse"`
}

// Reply is a scripted answer to questions containing Match, compared case-insensitively.
type Reply struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Step produces the stream events of one part of an answer. Exactly one field is expected to be set.
type Step struct {
	// Text is streamed word by word as text deltas.
	Text       string `yaml:"text"`
	Retrieving string `yaml:"retrieving"`
	// FunctionCall announces a call of the named function.
	FunctionCall string `yaml:"functionCall"`
	// ToolAction hands the named function to the client and makes the run wait for its tool outputs.
	ToolAction string `yaml:"toolAction"`
	// ToolOutputs reports the output of the most recent tool action.
	ToolOutputs string `yaml:"toolOutputs"`
}

// Main is a scripted stand-in for the chat backend. It keeps conversations in memory and answers every
// question from its Script, using the same endpoints and stream frames as the real backend.
type Main struct {
	script Script
	token  string

	convs *conversationStore

	done      chan struct{}
	closeOnce *sync.Once

	logger *slog.Logger
}

type conversation struct {
	models.Conversation

	messages []models.HistoryMessage
	// pendingRun is the run waiting for tool outputs, empty if none.
	pendingRun string
}

type conversationStore struct {
	mu sync.Mutex
	// byID indexes conversations by both their conversation id and their thread id.
	byID map[string]*conversation
	all  []*conversation
}

const errLoggerKey = "err"

// LoadScript decodes a YAML reply script.
func LoadScript(r io.Reader) (Script, error) {
	var s Script
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return Script{}, fmt.Errorf("failed to decode script: %w", err)
	}
	return s, nil
}

// LoadScriptFS decodes the YAML reply script at path in fsys.
func LoadScriptFS(fsys fs.FS, path string) (Script, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return Script{}, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	return LoadScript(f)
}

// NewMain creates a development backend answering from script. If token is not empty, the history
// endpoints require it as bearer token.
func NewMain(script Script, token string, logger *slog.Logger) Main {
	return Main{
		script: script,
		token:  token,
		convs: &conversationStore{
			byID: make(map[string]*conversation),
		},
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		logger:    logger.With(slog.String("module", "devbackend")),
	}
}

// Handler routes the backend endpoints to their handlers.
func (m Main) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", m.HandleConversation)
	mux.HandleFunc("GET /conversations", m.HandleConversations)
	mux.HandleFunc("GET /conversation/{id}", m.HandleConversationByID)
	mux.HandleFunc("DELETE /conversation/{id}", m.HandleDeleteConversation)
	mux.HandleFunc("POST /askAI", m.HandleAskAI)
	mux.HandleFunc("POST /ask-llm-conversation", m.HandleAskLLM)
	mux.HandleFunc("POST /submit-tool-response", m.HandleSubmitToolResponse)
	return mux
}

// Shutdown stops all streams in progress. Streams end after their current frame, so the HTTP server can
// drain its connections.
func (m Main) Shutdown(context.Context) error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m Main) reply(question string) []Step {
	q := strings.ToLower(question)
	var fallback []Step
	for _, r := range m.script.Replies {
		if r.Match == "" {
			if fallback == nil {
				fallback = r.Steps
			}
			continue
		}
		if strings.Contains(q, strings.ToLower(r.Match)) {
			return r.Steps
		}
	}
	if fallback != nil {
		return fallback
	}
	return []Step{{Text: "You said: " + question}}
}

func (s *conversationStore) add(c models.Conversation, greeting string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &conversation{Conversation: c}
	if greeting != "" {
		conv.messages = append(conv.messages, models.HistoryMessage{
			Role:      "assistant",
			Text:      greeting,
			CreatedAt: c.StartTime,
		})
	}
	s.byID[c.ID] = conv
	s.byID[c.ThreadID] = conv
	s.all = append(s.all, conv)
}

// update runs fn on the conversation with id under the store lock. It reports whether the conversation
// exists.
func (s *conversationStore) update(id string, fn func(*conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(c)
	return true
}

func (s *conversationStore) messages(id string) ([]models.HistoryMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(c.messages), true
}

// page returns conversations by most recent activity, and the total count.
func (s *conversationStore) page(page, limit int) ([]models.Conversation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs := make([]models.Conversation, len(s.all))
	for i, c := range s.all {
		convs[i] = c.Conversation
	}
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.LastUpdated.Compare(a.LastUpdated)
	})

	start := min((page-1)*limit, len(convs))
	end := min(start+limit, len(convs))
	return convs[start:end], len(convs)
}

func (s *conversationStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, c.ID)
	delete(s.byID, c.ThreadID)
	s.all = slices.DeleteFunc(s.all, func(other *conversation) bool { return other == c })
	return true
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}
