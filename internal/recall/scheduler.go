// Package recall deletes the bot's own image messages a short while after
// they were sent. Message ids may only be known as placeholders at send
// time, so the scheduler polls the chat history to find the real id before
// issuing the delete.
package recall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"nai-bot/internal/metrics"
	"nai-bot/internal/session"
)

const (
	// PlaceholderPrefix marks ids assigned before the platform reports the real one
	PlaceholderPrefix = "send_api_"

	historyLookback = 3 * time.Minute
	historyLimit    = 5
	timeTolerance   = 200 * time.Millisecond
	defaultMinPoll  = 200 * time.Millisecond
	defaultMaxPoll  = time.Second
)

// NewPlaceholderID returns a fresh placeholder id
func NewPlaceholderID() string {
	return fmt.Sprintf("%s%d_%s", PlaceholderPrefix, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// IsPlaceholder reports whether id is a placeholder
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// History returns recent messages of a chat, oldest first
type History interface {
	RecentMessages(ctx context.Context, chatID string, lookback time.Duration, limit int) ([]Message, error)
}

// Commander sends a delete/recall command to the platform
type Commander interface {
	SendCommand(ctx context.Context, name string, payload map[string]any) (any, error)
}

// AccountLookup resolves the bot's own account on a platform
type AccountLookup interface {
	For(platform string) string
}

// Toggles reports the per-session recall switch
type Toggles interface {
	RecallEnabled(key session.Key) bool
}

// AllowList reports whether a session may use recall at all
type AllowList interface {
	RecallAllowed(key session.Key) bool
}

// Pending is one scheduled recall
type Pending struct {
	Session   session.Key
	ChatID    string
	MessageID string // real id or placeholder
	SentAt    time.Time
	Delay     time.Duration
	IDWait    time.Duration
}

// Scheduler runs recall tasks. Tasks cannot be cancelled once scheduled.
type Scheduler struct {
	history   History
	commander Commander
	accounts  AccountLookup
	toggles   Toggles
	allowed   AllowList

	minPoll time.Duration
	maxPoll time.Duration

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(history History, commander Commander, accounts AccountLookup, toggles Toggles, allowed AllowList) *Scheduler {
	return &Scheduler{
		history:   history,
		commander: commander,
		accounts:  accounts,
		toggles:   toggles,
		allowed:   allowed,
		minPoll:   defaultMinPoll,
		maxPoll:   defaultMaxPoll,
	}
}

// Schedule starts a recall task if the session has recall enabled and
// allowed. It returns immediately.
func (s *Scheduler) Schedule(p Pending) bool {
	entry := log.WithFields(log.Fields{"session": p.Session.String(), "message_id": p.MessageID})

	if !s.toggles.RecallEnabled(p.Session) {
		entry.Debug("Auto recall disabled for session")
		return false
	}
	if !s.allowed.RecallAllowed(p.Session) {
		entry.Debug("Session not in auto recall allow-list")
		return false
	}
	if p.MessageID == "" {
		entry.Warn("No message id to recall, skipping")
		metrics.RecordRecall("skipped")
		return false
	}
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}
	if p.ChatID == "" {
		p.ChatID = p.Session.ChatID
	}

	entry.Infof("Recall scheduled in %s", p.Delay)
	s.wg.Add(1)
	go s.run(p)
	return true
}

// Wait blocks until every scheduled task has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(p Pending) {
	defer s.wg.Done()
	metrics.RecallsInFlight.Inc()
	defer metrics.RecallsInFlight.Dec()

	ctx := context.Background()
	entry := log.WithFields(log.Fields{"session": p.Session.String(), "message_id": p.MessageID})

	entry.Debug("Recall waiting")
	sleep(time.Until(p.SentAt.Add(p.Delay)))

	entry.Debug("Recall resolving message id")
	id, source := s.resolve(ctx, p)
	metrics.RecordResolution(source)
	entry = entry.WithField("target_id", id)

	entry.Debug("Recalling message")
	verb, err := s.recall(ctx, p.ChatID, id)
	if err != nil {
		entry.Warnf("Recall failed: %v", err)
		metrics.RecordRecall("failure")
		return
	}
	entry.Infof("Message recalled via %s", verb)
	metrics.RecordRecall("success")
}

// resolve returns the id to recall and where it came from
func (s *Scheduler) resolve(ctx context.Context, p Pending) (string, string) {
	if !IsPlaceholder(p.MessageID) {
		return p.MessageID, "direct"
	}
	if p.IDWait <= 0 {
		return p.MessageID, "placeholder"
	}

	entry := log.WithFields(log.Fields{"session": p.Session.String(), "message_id": p.MessageID})
	bot := s.accounts.For(p.Session.Platform)
	lastPlaceholder := ""
	deadline := time.Now().Add(p.IDWait)

	for {
		msgs, err := s.history.RecentMessages(ctx, p.ChatID, historyLookback, historyLimit)
		if err != nil {
			entry.Debugf("History query failed: %v", err)
		}

		for i := len(msgs) - 1; i >= 0; i-- {
			msg := msgs[i]
			if !s.matches(msg, bot, p.SentAt) {
				continue
			}
			if !IsPlaceholder(msg.ID) {
				entry.Debugf("Placeholder resolved to %s", msg.ID)
				return msg.ID, "history"
			}
			// scanning newest to oldest, so the oldest placeholder wins
			lastPlaceholder = msg.ID
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		interval := remaining / 10
		if interval < s.minPoll {
			interval = s.minPoll
		}
		if interval > s.maxPoll {
			interval = s.maxPoll
		}
		if interval > remaining {
			interval = remaining
		}
		sleep(interval)
	}

	if lastPlaceholder != "" {
		entry.Debugf("No real id within %s, using placeholder %s from history", p.IDWait, lastPlaceholder)
		return lastPlaceholder, "placeholder"
	}
	entry.Debugf("No real id within %s, using initial placeholder", p.IDWait)
	return p.MessageID, "placeholder"
}

func (s *Scheduler) matches(msg Message, bot string, sentAt time.Time) bool {
	if msg.ID == "" || !msg.HasImage() {
		return false
	}
	if bot != "" && msg.AuthorID != "" && msg.AuthorID != bot {
		return false
	}
	if !msg.Time.IsZero() && msg.Time.Add(timeTolerance).Before(sentAt) {
		return false
	}
	return true
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
}
