package chat_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockBackend struct {
	mu sync.Mutex

	sessionID   string
	createErr   error
	createCalls atomic.Int32
	// release, if set, blocks CreateConversation until it is closed.
	release chan struct{}
	created []models.ConversationRequest

	chunks []string
	// failAfter, if set, is returned by the body after all chunks are read.
	failAfter error
	askErr    error
	questions []models.Question
	onAsk     func(models.Question)

	submissions []models.ToolSubmission
}

func (m *mockBackend) CreateConversation(_ context.Context, req models.ConversationRequest) (string, error) {
	m.createCalls.Add(1)
	if m.release != nil {
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.sessionID, nil
}

func (m *mockBackend) Ask(_ context.Context, q models.Question) (io.ReadCloser, error) {
	m.mu.Lock()
	m.questions = append(m.questions, q)
	onAsk := m.onAsk
	m.mu.Unlock()

	if onAsk != nil {
		onAsk(q)
	}
	if m.askErr != nil {
		return nil, m.askErr
	}
	return m.body(), nil
}

func (m *mockBackend) SubmitToolOutputs(_ context.Context, sub models.ToolSubmission) (io.ReadCloser, error) {
	m.mu.Lock()
	m.submissions = append(m.submissions, sub)
	m.mu.Unlock()

	if m.askErr != nil {
		return nil, m.askErr
	}
	return m.body(), nil
}

func (m *mockBackend) body() io.ReadCloser {
	return io.NopCloser(&chunkReader{chunks: slices.Clone(m.chunks), err: m.failAfter})
}

// chunkReader returns one chunk per Read call, so tests control the chunk boundaries seen by the parser.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
	} else {
		r.chunks[0] = r.chunks[0][n:]
	}
	return n, nil
}

// frames encodes each event as a server-sent event frame.
func frames(t *testing.T, events ...string) []string {
	t.Helper()

	out := make([]string, 0, len(events))
	for _, e := range events {
		var sb strings.Builder
		msg := &sse.Message{}
		msg.AppendData(e)
		_, err := msg.WriteTo(&sb)
		require.NoError(t, err)
		out = append(out, sb.String())
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
