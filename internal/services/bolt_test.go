package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()

	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTranscriptArchive(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()
	closedAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i := range 12 {
		id, err := db.SaveTranscript(ctx, models.Transcript{
			SessionID: "thread_1",
			Title:     "2025-03-01 conversation",
			ClosedAt:  closedAt.Add(time.Duration(i) * time.Minute),
			Messages: []models.Message{
				{ID: "u1", Text: "Hello", Sender: models.SenderUser},
				{
					ID:     "a1",
					Text:   "Hi there",
					Sender: models.SenderAssistant,
					FunctionCalls: []models.FunctionCall{
						{Name: "lookup", Status: models.FunctionCallCompleted, CallID: "call_1", Outputs: "ok"},
					},
				},
			},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, "1-thread_1", ids[0])
	assert.NotEqual(t, ids[0], ids[1])

	headers, err := db.Transcripts(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 12)
	// Newest first, also past the first ten sequence numbers.
	assert.Equal(t, ids[11], headers[0].ID)
	assert.Equal(t, ids[0], headers[11].ID)
	assert.Nil(t, headers[0].Messages)

	tr, err := db.Transcript(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, ids[3], tr.ID)
	assert.Equal(t, closedAt.Add(3*time.Minute), tr.ClosedAt)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "Hello", tr.Messages[0].Text)
	assert.Equal(t, models.FunctionCallCompleted, tr.Messages[1].FunctionCalls[0].Status)
	assert.Equal(t, "ok", tr.Messages[1].FunctionCalls[0].Outputs)
}

func TestDeleteTranscript(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()

	id, err := db.SaveTranscript(ctx, models.Transcript{
		SessionID: "thread_1",
		Messages:  []models.Message{{ID: "u1", Text: "Hello", Sender: models.SenderUser}},
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteTranscript(ctx, id))
	require.NoError(t, db.DeleteTranscript(ctx, id))

	_, err = db.Transcript(ctx, id)
	require.ErrorIs(t, err, services.ErrTranscriptNotFound)

	headers, err := db.Transcripts(ctx)
	require.NoError(t, err)
	assert.Empty(t, headers)
}
