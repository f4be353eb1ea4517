package recall

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nai-bot/internal/config"
	"nai-bot/internal/session"
)

type fakeHistory struct {
	mu     sync.Mutex
	calls  int
	answer func(call int) []Message
}

func (h *fakeHistory) RecentMessages(_ context.Context, _ string, lookback time.Duration, limit int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if lookback != historyLookback || limit != historyLimit {
		return nil, errors.New("unexpected query window")
	}
	if h.answer == nil {
		return nil, nil
	}
	return h.answer(h.calls), nil
}

func (h *fakeHistory) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type commandCall struct {
	verb    string
	payload map[string]any
	at      time.Time
}

type fakeCommander struct {
	mu      sync.Mutex
	calls   []commandCall
	results map[string]any
	errs    map[string]error
}

func (c *fakeCommander) SendCommand(_ context.Context, name string, payload map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, commandCall{verb: name, payload: payload, at: time.Now()})
	if err := c.errs[name]; err != nil {
		return nil, err
	}
	return c.results[name], nil
}

func (c *fakeCommander) Calls() []commandCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]commandCall(nil), c.calls...)
}

type staticGate struct {
	enabled bool
	allowed bool
}

func (g staticGate) RecallEnabled(session.Key) bool { return g.enabled }
func (g staticGate) RecallAllowed(session.Key) bool { return g.allowed }

func newTestScheduler(h History, c Commander) *Scheduler {
	accounts := NewAccounts(config.BotConfig{TelegramAccount: "bot"})
	gate := staticGate{enabled: true, allowed: true}
	s := NewScheduler(h, c, accounts, gate, gate)
	s.minPoll = 10 * time.Millisecond
	s.maxPoll = 50 * time.Millisecond
	return s
}

var testKey = session.KeyFor("telegram", "-100", "")

func TestNewPlaceholderID(t *testing.T) {
	id := NewPlaceholderID()
	assert.True(t, IsPlaceholder(id))
	assert.Regexp(t, regexp.MustCompile(`^send_api_\d+_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewPlaceholderID())
	assert.False(t, IsPlaceholder("12345"))
}

func TestScheduleGates(t *testing.T) {
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	history := &fakeHistory{}
	accounts := NewAccounts(config.BotConfig{})

	tests := []struct {
		name string
		gate staticGate
		id   string
		want bool
	}{
		{"disabled", staticGate{enabled: false, allowed: true}, "1", false},
		{"not allowed", staticGate{enabled: true, allowed: false}, "1", false},
		{"missing id", staticGate{enabled: true, allowed: true}, "", false},
		{"scheduled", staticGate{enabled: true, allowed: true}, "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(history, commander, accounts, tt.gate, tt.gate)
			got := s.Schedule(Pending{Session: testKey, MessageID: tt.id, SentAt: time.Now()})
			assert.Equal(t, tt.want, got)
			s.Wait()
		})
	}
	assert.Len(t, commander.Calls(), 1)
}

func TestRealIDRecallsAtDelayWithoutPolling(t *testing.T) {
	history := &fakeHistory{}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	sent := time.Now()
	delay := 80 * time.Millisecond
	require.True(t, s.Schedule(Pending{Session: testKey, MessageID: "4242", SentAt: sent, Delay: delay, IDWait: time.Second}))
	s.Wait()

	calls := commander.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "DELETE_MSG", calls[0].verb)
	assert.Equal(t, "4242", calls[0].payload["message_id"])
	assert.Equal(t, "-100", calls[0].payload["chat_id"])
	assert.GreaterOrEqual(t, calls[0].at.Sub(sent), delay)
	assert.Less(t, calls[0].at.Sub(sent), delay+500*time.Millisecond)
	assert.Equal(t, 0, history.Calls(), "a real id needs no history polling")
}

func TestUnresolvedPlaceholderRecallsOnceAfterFullWait(t *testing.T) {
	history := &fakeHistory{}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	placeholder := NewPlaceholderID()
	sent := time.Now()
	delay := 50 * time.Millisecond
	wait := 300 * time.Millisecond
	require.True(t, s.Schedule(Pending{Session: testKey, MessageID: placeholder, SentAt: sent, Delay: delay, IDWait: wait}))
	s.Wait()

	calls := commander.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, placeholder, calls[0].payload["message_id"])
	assert.GreaterOrEqual(t, calls[0].at.Sub(sent), delay+wait)
	assert.Greater(t, history.Calls(), 1)
}

func TestPlaceholderFallsBackToPlaceholderSeenInHistory(t *testing.T) {
	sent := time.Now()
	history := &fakeHistory{answer: func(int) []Message {
		return []Message{
			{ID: "send_api_other", AuthorID: "bot", Time: sent, IsPicID: true},
			{ID: "send_api_newer", AuthorID: "bot", Time: sent.Add(time.Second), IsPicID: true},
		}
	}}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	require.True(t, s.Schedule(Pending{Session: testKey, MessageID: NewPlaceholderID(), SentAt: sent, IDWait: 100 * time.Millisecond}))
	s.Wait()

	calls := commander.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "send_api_other", calls[0].payload["message_id"])
}

func TestPlaceholderResolvesFromHistory(t *testing.T) {
	sent := time.Now()
	history := &fakeHistory{answer: func(call int) []Message {
		msgs := []Message{
			// too old
			{ID: "900", AuthorID: "bot", Time: sent.Add(-time.Minute), IsPicID: true},
			// not the bot
			{ID: "901", AuthorID: "someone", Time: sent, IsPicID: true},
			// no image
			{ID: "902", AuthorID: "bot", Time: sent, RawText: "hello"},
			{ID: "send_api_x", AuthorID: "bot", Time: sent, Segment: &Segment{Type: "image"}},
		}
		if call >= 3 {
			msgs = append(msgs, Message{ID: "903", AuthorID: "bot", Time: sent.Add(-100 * time.Millisecond), DisplayText: "[图片]"})
		}
		return msgs
	}}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	require.True(t, s.Schedule(Pending{Session: testKey, MessageID: NewPlaceholderID(), SentAt: sent, IDWait: 5 * time.Second}))
	s.Wait()

	calls := commander.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "903", calls[0].payload["message_id"])
	assert.Equal(t, 3, history.Calls())
}

func TestZeroIDWaitSkipsPolling(t *testing.T) {
	history := &fakeHistory{}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	placeholder := NewPlaceholderID()
	require.True(t, s.Schedule(Pending{Session: testKey, MessageID: placeholder, SentAt: time.Now()}))
	s.Wait()

	assert.Equal(t, 0, history.Calls())
	require.Len(t, commander.Calls(), 1)
	assert.Equal(t, placeholder, commander.Calls()[0].payload["message_id"])
}

func TestRecallVerbFallthrough(t *testing.T) {
	commander := &fakeCommander{
		errs: map[string]error{"DELETE_MSG": errors.New("unsupported")},
		results: map[string]any{
			"delete_msg": map[string]any{"status": "failed"},
			"RECALL_MSG": map[string]any{"status": "OK"},
		},
	}
	s := newTestScheduler(&fakeHistory{}, commander)

	verb, err := s.recall(context.Background(), "-100", "1")
	require.NoError(t, err)
	assert.Equal(t, "RECALL_MSG", verb)
	assert.Len(t, commander.Calls(), 3)
}

func TestRecallAllVerbsFail(t *testing.T) {
	commander := &fakeCommander{
		errs:    map[string]error{"DELETE_MSG": errors.New("boom"), "recall_msg": errors.New("bang")},
		results: map[string]any{"delete_msg": false},
	}
	s := newTestScheduler(&fakeHistory{}, commander)

	_, err := s.recall(context.Background(), "-100", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DELETE_MSG: boom")
	assert.Contains(t, err.Error(), "recall_msg: bang")

	var verbs []string
	for _, c := range commander.Calls() {
		verbs = append(verbs, c.verb)
	}
	assert.Equal(t, Verbs, verbs)
}

func TestSucceeded(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   bool
	}{
		{"true", true, true},
		{"false", false, false},
		{"nil", nil, false},
		{"status ok", map[string]any{"status": "ok"}, true},
		{"status Success", map[string]any{"status": " Success "}, true},
		{"status failed", map[string]any{"status": "failed"}, false},
		{"retcode int zero", map[string]any{"retcode": 0}, true},
		{"retcode float zero", map[string]any{"retcode": float64(0)}, true},
		{"retcode nonzero", map[string]any{"retcode": 100}, false},
		{"string map", map[string]string{"status": "ok"}, true},
		{"string map retcode", map[string]string{"retcode": "0"}, true},
		{"string", "ok", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Succeeded(tt.result))
		})
	}
}

func TestOverlappingRecallsInSameChat(t *testing.T) {
	sent := time.Now()
	history := &fakeHistory{answer: func(call int) []Message {
		msgs := []Message{
			{ID: "send_api_a", AuthorID: "bot", Time: sent, IsPicID: true},
			{ID: "send_api_b", AuthorID: "bot", Time: sent, IsPicID: true},
		}
		if call >= 4 {
			msgs = []Message{
				{ID: "501", AuthorID: "bot", Time: sent, IsPicID: true},
				{ID: "502", AuthorID: "bot", Time: sent, IsPicID: true},
			}
		}
		return msgs
	}}
	commander := &fakeCommander{results: map[string]any{"DELETE_MSG": true}}
	s := newTestScheduler(history, commander)

	require.True(t, s.Schedule(Pending{Session: testKey, ChatID: "-100", MessageID: NewPlaceholderID(), SentAt: sent, IDWait: 2 * time.Second}))
	require.True(t, s.Schedule(Pending{Session: testKey, ChatID: "-100", MessageID: NewPlaceholderID(), SentAt: sent, IDWait: 2 * time.Second}))
	s.Wait()

	// Which task picks which id is not ordered; each recalls exactly once
	calls := commander.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "DELETE_MSG", c.verb)
		assert.Equal(t, "-100", c.payload["chat_id"])
		assert.Contains(t, []any{"501", "502", "send_api_a", "send_api_b"}, c.payload["message_id"])
	}
}
