package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"palaver/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketMessages   = []byte("messages")
	bucketMessageIdx = []byte("message_idx")
	bucketClientKeys = []byte("client_keys")
)

// BboltStorage is the durable message store. Messages live in a per-zone
// bucket keyed by createdAt+id; a secondary index maps message id to that
// key, and a third maps client idempotency keys to message ids so that a
// retried insert is answered with the original row instead of a duplicate.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketMessageIdx, bucketClientKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// InsertMessage persists a new message, assigning the id and createdAt if
// the caller did not. A message carrying an already-seen client key for
// its zone is not duplicated; the original row is returned instead.
func (s *BboltStorage) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ZoneID == "" {
		return models.Message{}, errors.New("message missing zoneID")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		keysBucket, err := tx.Bucket(bucketClientKeys).CreateBucketIfNotExists([]byte(msg.ZoneID))
		if err != nil {
			return fmt.Errorf("failed to create client key bucket: %w", err)
		}

		if msg.ClientKey != "" {
			if existingID := keysBucket.Get([]byte(msg.ClientKey)); existingID != nil {
				existing, err := s.getByID(tx, msg.ZoneID, string(existingID))
				if err != nil {
					return err
				}
				msg = existing
				return nil
			}
		}

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt == 0 {
			msg.CreatedAt = s.now().UnixMilli()
		}
		msg.Pending = false
		msg.Failed = false

		if err := s.put(tx, msg); err != nil {
			return err
		}

		idxBucket, err := tx.Bucket(bucketMessageIdx).CreateBucketIfNotExists([]byte(msg.ZoneID))
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}
		dbMsg := toDB(msg)
		if err := idxBucket.Put([]byte(msg.ID), dbMsg.Key()); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		if msg.ClientKey != "" {
			if err := keysBucket.Put([]byte(msg.ClientKey), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to store client key: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// UpdateMessage replaces the content of an existing message and stamps
// UpdatedAt. It returns the updated row.
func (s *BboltStorage) UpdateMessage(ctx context.Context, zoneID, id, newContent string) (models.Message, error) {
	var updated models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msg, err := s.getByID(tx, zoneID, id)
		if err != nil {
			return err
		}
		msg.Content = newContent
		msg.UpdatedAt = s.now().UnixMilli()
		updated = msg
		return s.put(tx, msg)
	})
	if err != nil {
		return models.Message{}, err
	}
	return updated, nil
}

// DeleteMessage soft-deletes a message. The row is never physically
// removed; subsequent reads withhold its content.
func (s *BboltStorage) DeleteMessage(ctx context.Context, zoneID, id string) (models.Message, error) {
	var deleted models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msg, err := s.getByID(tx, zoneID, id)
		if err != nil {
			return err
		}
		now := s.now().UnixMilli()
		msg.DeletedAt = now
		msg.UpdatedAt = now
		if err := s.put(tx, msg); err != nil {
			return err
		}
		msg.Content = ""
		deleted = msg
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return deleted, nil
}

// ListRecent returns up to limit messages for a zone in ascending
// creation order. A before cursor (unix milliseconds, exclusive) pages
// backwards through history; zero means "the newest". The second return
// reports whether older messages remain.
func (s *BboltStorage) ListRecent(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var (
		page    []models.Message
		hasMore bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		zoneBucket := tx.Bucket(bucketMessages).Bucket([]byte(zoneID))
		if zoneBucket == nil {
			return nil // no messages for this zone
		}

		c := zoneBucket.Cursor()

		var k, v []byte
		if before > 0 {
			// Position on the last key strictly older than the cursor.
			maxKey := make([]byte, 8)
			binary.BigEndian.PutUint64(maxKey, uint64(before))
			k, v = c.Seek(maxKey)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
			for k != nil && bytes.Compare(k, maxKey) >= 0 {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil; k, v = c.Prev() {
			if len(page) == limit {
				hasMore = true
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt message row: %w", err)
			}
			page = append(page, fromDB(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	// Newest-first from the cursor walk, flip to ascending.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, hasMore, nil
}

func (s *BboltStorage) put(tx *bbolt.Tx, msg models.Message) error {
	zoneBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ZoneID))
	if err != nil {
		return fmt.Errorf("failed to create zone bucket: %w", err)
	}
	dbMsg := toDB(msg)
	data, err := dbMsg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return zoneBucket.Put(dbMsg.Key(), data)
}

func (s *BboltStorage) getByID(tx *bbolt.Tx, zoneID, id string) (models.Message, error) {
	idxBucket := tx.Bucket(bucketMessageIdx).Bucket([]byte(zoneID))
	if idxBucket == nil {
		return models.Message{}, models.ErrNotFound
	}
	key := idxBucket.Get([]byte(id))
	if key == nil {
		return models.Message{}, models.ErrNotFound
	}
	zoneBucket := tx.Bucket(bucketMessages).Bucket([]byte(zoneID))
	if zoneBucket == nil {
		return models.Message{}, models.ErrNotFound
	}
	data := zoneBucket.Get(key)
	if data == nil {
		return models.Message{}, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, fmt.Errorf("corrupt message row: %w", err)
	}
	msg := fromDB(dbMsg)
	msg.Content = dbMsg.Content // getByID is internal, callers decide on withholding
	return msg, nil
}

func toDB(msg models.Message) *DBMessage {
	return &DBMessage{
		ID:        msg.ID,
		ClientKey: msg.ClientKey,
		SpaceID:   msg.SpaceID,
		ZoneID:    msg.ZoneID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
		DeletedAt: msg.DeletedAt,
	}
}

func fromDB(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:        dbMsg.ID,
		ClientKey: dbMsg.ClientKey,
		SpaceID:   dbMsg.SpaceID,
		ZoneID:    dbMsg.ZoneID,
		SenderID:  dbMsg.SenderID,
		Content:   dbMsg.Content,
		CreatedAt: dbMsg.CreatedAt,
		UpdatedAt: dbMsg.UpdatedAt,
		DeletedAt: dbMsg.DeletedAt,
	}
	if msg.Deleted() {
		msg.Content = ""
	}
	return msg
}
