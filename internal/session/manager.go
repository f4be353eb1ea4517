package session

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Key identifies a chat session. ChatID is the group id for group chats and
// the user id for private chats.
type Key struct {
	Platform string
	ChatID   string
}

// KeyFor builds the session key every command uses
func KeyFor(platform, groupID, userID string) Key {
	chatID := groupID
	if chatID == "" {
		chatID = userID
	}
	return Key{Platform: platform, ChatID: chatID}
}

func (k Key) String() string {
	return k.Platform + ":" + k.ChatID
}

// Defaults are the static values used for sessions without an override
type Defaults struct {
	AdminMode bool
	Recall    bool
}

// State is a point-in-time view of one session
type State struct {
	AdminMode     bool
	Model         string // empty when the session uses the configured default
	ArtistPreset  int    // 0 when no preset was selected
	RecallEnabled bool
}

// Store holds the per-session overrides. Nothing here outlives the process.
type Store struct {
	mu       sync.RWMutex
	defaults Defaults

	adminMode map[Key]bool
	model     map[Key]string
	preset    map[Key]int
	recall    map[Key]bool
}

// NewStore creates an empty store
func NewStore(defaults Defaults) *Store {
	return &Store{
		defaults:  defaults,
		adminMode: make(map[Key]bool),
		model:     make(map[Key]string),
		preset:    make(map[Key]int),
		recall:    make(map[Key]bool),
	}
}

// AdminModeEnabled reports the session's admin mode, falling back to the default
func (s *Store) AdminModeEnabled(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.adminMode[key]; ok {
		return v
	}
	return s.defaults.AdminMode
}

func (s *Store) SetAdminMode(key Key, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adminMode[key] = enabled
	log.WithFields(log.Fields{"session": key.String(), "admin_mode": enabled}).Debug("Admin mode updated")
}

// SelectedModel returns the model chosen for the session, if any
func (s *Store) SelectedModel(key Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.model[key]
	return v, ok
}

func (s *Store) SetSelectedModel(key Key, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.model[key] = model
	log.WithFields(log.Fields{"session": key.String(), "model": model}).Debug("Model selected")
}

// SelectedArtistPreset returns the stored 1-based preset index. The index is
// not tied to a model family.
func (s *Store) SelectedArtistPreset(key Key) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.preset[key]
	return v, ok
}

func (s *Store) SetSelectedArtistPreset(key Key, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preset[key] = idx
	log.WithFields(log.Fields{"session": key.String(), "preset": idx}).Debug("Artist preset selected")
}

// RecallEnabled reports the session's recall toggle, falling back to the default
func (s *Store) RecallEnabled(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.recall[key]; ok {
		return v
	}
	return s.defaults.Recall
}

func (s *Store) SetRecallEnabled(key Key, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recall[key] = enabled
	log.WithFields(log.Fields{"session": key.String(), "recall": enabled}).Debug("Auto recall updated")
}

// Snapshot returns the resolved state of a session
func (s *Store) Snapshot(key Key) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		AdminMode:     s.defaults.AdminMode,
		RecallEnabled: s.defaults.Recall,
		Model:         s.model[key],
		ArtistPreset:  s.preset[key],
	}
	if v, ok := s.adminMode[key]; ok {
		st.AdminMode = v
	}
	if v, ok := s.recall[key]; ok {
		st.RecallEnabled = v
	}
	return st
}
