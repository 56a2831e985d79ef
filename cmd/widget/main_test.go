package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/handlers"
	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScript = `
replies:
  - match: menu
    steps:
      - functionCall: search_menu
      - toolAction: search_menu
      - toolOutputs: '{"dishes":["pierogi"]}'
      - text: "We serve pierogi."
  - match: book
    steps:
      - functionCall: book_table
      - toolAction: book_table
  - match: ""
    steps:
      - text: "No idea."
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newDevBackend serves the scripted backend and returns a config file pointing at it.
func newDevBackend(t *testing.T, token string) (string, *httptest.Server) {
	t.Helper()

	script, err := handlers.LoadScript(strings.NewReader(testScript))
	require.NoError(t, err)
	m := handlers.NewMain(script, token, discardLogger())
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		srv.Close()
	})

	path := writeConfig(t, "backendUrl: "+srv.URL+"\ntoken: "+token+"\nlog:\n  level: error\n")
	return path, srv
}

// run executes the command line args and returns what was written to stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	configPath, debug = "", false
	askNoStream = false
	historyPage, historyLimit = 1, 20
	transcriptsWithCalls = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestAskCommand(t *testing.T) {
	path, _ := newDevBackend(t, "")

	out, info, err := run(t, "--config", path, "ask", "What", "is", "on", "the", "menu?")
	require.NoError(t, err)
	assert.Equal(t, "We serve pierogi.\n", out)
	assert.Contains(t, info, "→ search_menu")

	out, _, err = run(t, "--config", path, "ask", "--no-stream", "anything")
	require.NoError(t, err)
	assert.Equal(t, "No idea.\n", out)
}

func TestAskCommandWaitingTool(t *testing.T) {
	path, _ := newDevBackend(t, "")

	out, info, err := run(t, "--config", path, "ask", "Can I book a table?")
	require.NoError(t, err)
	assert.Equal(t, "\n", out)
	assert.Contains(t, info, "book_table is waiting for a response")
	assert.NotContains(t, info, "chat window")
}

func TestAskCommandWithoutBackend(t *testing.T) {
	t.Setenv(envBackendURL, "")
	path := writeConfig(t, "userId: u1\n")

	_, _, err := run(t, "--config", path, "ask", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend url is required")
}

func TestHistoryCommands(t *testing.T) {
	path, srv := newDevBackend(t, "secret")
	ctx := context.Background()

	backend := services.NewBackend(srv.URL, services.BackendOptions{Token: "secret"}, discardLogger())
	id, err := backend.CreateConversation(ctx, models.ConversationRequest{UserID: "u1", Title: "Dinner", Greeting: "Welcome!"})
	require.NoError(t, err)
	_, err = backend.AskOnce(ctx, models.Question{Text: "What is on the menu?", SessionID: id})
	require.NoError(t, err)

	out, _, err := run(t, "--config", path, "history", "list", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 1 of 1 conversation(s)")
	assert.Contains(t, out, "Dinner")

	out, _, err = run(t, "--config", path, "history", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Welcome!")
	assert.Contains(t, out, "What is on the menu?")
	assert.Contains(t, out, "We serve pierogi.")
	assert.Less(t, strings.Index(out, "Welcome!"), strings.Index(out, "We serve pierogi."))

	out, _, err = run(t, "--config", path, "history", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted conversation "+id)

	_, _, err = run(t, "--config", path, "history", "show", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, _, err = run(t, "--config", path, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations found")
}

func TestHistoryListRequiresToken(t *testing.T) {
	path, _ := newDevBackend(t, "")

	_, _, err := run(t, "--config", path, "history", "list")
	require.ErrorIs(t, err, services.ErrNoToken)
}

func TestTranscriptsCommands(t *testing.T) {
	path, _ := newDevBackend(t, "")
	dbPath := filepath.Join(filepath.Dir(path), "transcripts.db")

	db, err := services.NewBoltDB(dbPath)
	require.NoError(t, err)
	id, err := db.SaveTranscript(context.Background(), models.Transcript{
		SessionID: "thread_1",
		Title:     "Opening hours?",
		ClosedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Messages: []models.Message{
			{ID: "u1", Text: "Opening hours?", Sender: models.SenderUser},
			{
				ID:     "a1",
				Text:   "From noon.",
				Sender: models.SenderAssistant,
				FunctionCalls: []models.FunctionCall{
					{Name: "lookup", Status: models.FunctionCallCompleted, CallID: "call_1", Outputs: "ok"},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, _, err := run(t, "--config", path, "transcripts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 transcript(s)")
	assert.Contains(t, out, id)

	out, _, err = run(t, "--config", path, "transcripts", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "You: Opening hours?")
	assert.Contains(t, out, "Assistant: From noon.")
	assert.NotContains(t, out, "lookup")

	out, _, err = run(t, "--config", path, "transcripts", "show", "--calls", id)
	require.NoError(t, err)
	assert.Contains(t, out, "[completed] lookup (call_1) -> ok")

	_, _, err = run(t, "--config", path, "transcripts", "delete", id)
	require.NoError(t, err)

	_, _, err = run(t, "--config", path, "transcripts", "show", id)
	require.ErrorIs(t, err, services.ErrTranscriptNotFound)
}
