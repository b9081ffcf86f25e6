package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("sandbox")
	bucketIndex    = []byte("sandbox_ids")
)

// Message is a campaign email captured instead of being relayed
type Message struct {
	ID           string    `json:"id"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	HTML         string    `json:"html,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates sandbox buckets in the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := makeIndexKey(msg.CapturedAt, msg.ID)
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(msg.ID), key)
	})
}

// Get returns a captured message by ID, or nil
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketMessages).Get(key)
		if data == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// ListFilter selects captured messages
type ListFilter struct {
	To     string
	Limit  int
	Offset int
}

// List returns messages newest first, without bodies
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	messages := []*Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.To != "" && msg.To != filter.To {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.HTML = ""
			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes captured messages older than olderThan, or all when zero
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	count := 0
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		index := tx.Bucket(bucketIndex)

		var victims []Message
		var keys [][]byte
		c := messages.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				// keys are time ordered, everything after is newer
				break
			}
			victims = append(victims, msg)
			keys = append(keys, append([]byte(nil), k...))
		}

		for i, k := range keys {
			if err := messages.Delete(k); err != nil {
				return err
			}
			if err := index.Delete([]byte(victims[i].ID)); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Count returns the number of captured messages
func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMessages).Stats().KeyN
		return nil
	})
	return n, err
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
