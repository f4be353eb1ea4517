// Package journal remembers the messages the bot sent in each chat so the
// recall scheduler can look them up. Entries live in memory only.
package journal

import (
	"context"
	"sync"
	"time"

	"nai-bot/internal/recall"
)

const DefaultCapacity = 100

var _ recall.History = (*Journal)(nil)

// Journal keeps a bounded ring of recent outgoing messages per chat
type Journal struct {
	mu       sync.RWMutex
	capacity int
	chats    map[string][]recall.Message
	now      func() time.Time
}

// New creates a journal keeping capacity messages per chat
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		capacity: capacity,
		chats:    make(map[string][]recall.Message),
		now:      time.Now,
	}
}

// Record appends a message to a chat's history
func (j *Journal) Record(chatID string, msg recall.Message) {
	if msg.Time.IsZero() {
		msg.Time = j.now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	msgs := append(j.chats[chatID], msg)
	if len(msgs) > j.capacity {
		msgs = append([]recall.Message(nil), msgs[len(msgs)-j.capacity:]...)
	}
	j.chats[chatID] = msgs
}

// Replace swaps a placeholder id for the id the platform assigned
func (j *Journal) Replace(chatID, oldID, newID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	msgs := j.chats[chatID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == oldID {
			msgs[i].ID = newID
			return true
		}
	}
	return false
}

// Forget drops a message, typically after it was deleted
func (j *Journal) Forget(chatID, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	msgs := j.chats[chatID]
	for i := range msgs {
		if msgs[i].ID == id {
			j.chats[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			return
		}
	}
}

// RecentMessages returns up to limit messages newer than lookback, oldest
// first
func (j *Journal) RecentMessages(_ context.Context, chatID string, lookback time.Duration, limit int) ([]recall.Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	cutoff := j.now().Add(-lookback)
	msgs := j.chats[chatID]

	start := len(msgs)
	for start > 0 && !msgs[start-1].Time.Before(cutoff) {
		start--
	}
	recent := msgs[start:]
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	return append([]recall.Message(nil), recent...), nil
}
