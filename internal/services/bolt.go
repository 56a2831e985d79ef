package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB archives the transcripts of closed widget sessions in a local BoltDB file. Each transcript has a
// header record in the transcripts bucket and its messages in a bucket of its own, keyed by position.
type BoltDB struct {
	db *bolt.DB
}

// ErrTranscriptNotFound is returned when a transcript id is not in the archive.
var ErrTranscriptNotFound = errors.New("transcript not found")

var transcriptsBucket = []byte("transcripts")

// openTimeout bounds the wait for the file lock held by another open archive.
const openTimeout = time.Second

// NewBoltDB opens the archive at path, creating the file with 0600 permissions if it doesn't exist. It fails after
// openTimeout if another process holds the archive open.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transcriptsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create transcripts bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(transcriptID string) []byte {
	return []byte(fmt.Sprintf("transcript-%s", transcriptID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// SaveTranscript stores a transcript and returns its new id, which combines an archive sequence number
// with the session id so transcripts of the same conversation never collide.
func (b BoltDB) SaveTranscript(_ context.Context, t models.Transcript) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transcriptsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", seq, t.SessionID)

		msgBucket, err := tx.CreateBucketIfNotExists(messageBucketName(newID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		for i, msg := range t.Messages {
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgBucket.Put(sequenceKey(uint64(i)), v); err != nil {
				return err
			}
		}

		header := t
		header.ID = newID
		header.Messages = nil
		v, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return bucket.Put(sequenceKey(seq), v)
	})

	return newID, err
}

// Transcripts returns the headers of all archived transcripts, newest first. Messages are not loaded.
func (b BoltDB) Transcripts(context.Context) ([]models.Transcript, error) {
	var ts []models.Transcript
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transcriptsBucket).ForEach(func(_, v []byte) error {
			var t models.Transcript
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal transcript: %w", err)
			}
			ts = append(ts, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(ts)
	return ts, nil
}

// Transcript returns one archived transcript with its messages in their original order.
func (b BoltDB) Transcript(_ context.Context, id string) (models.Transcript, error) {
	var t models.Transcript
	err := b.db.View(func(tx *bolt.Tx) error {
		found := false
		err := tx.Bucket(transcriptsBucket).ForEach(func(_, v []byte) error {
			if found {
				return nil
			}
			var h models.Transcript
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("failed to unmarshal transcript: %w", err)
			}
			if h.ID == id {
				t = h
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return ErrTranscriptNotFound
		}

		msgBucket := tx.Bucket(messageBucketName(id))
		if msgBucket == nil {
			return nil
		}
		return msgBucket.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			t.Messages = append(t.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Transcript{}, err
	}
	return t, nil
}

// DeleteTranscript removes a transcript and its messages. Deleting an unknown id is not an error.
func (b BoltDB) DeleteTranscript(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(transcriptsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h models.Transcript
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("failed to unmarshal transcript: %w", err)
			}
			if h.ID != id {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			break
		}

		err := tx.DeleteBucket(messageBucketName(id))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}
