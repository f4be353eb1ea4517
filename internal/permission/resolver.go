// Package permission decides who may run which command in a session.
package permission

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"nai-bot/internal/session"
)

// AdminModes reports whether admin mode is on for a session
type AdminModes interface {
	AdminModeEnabled(key session.Key) bool
}

// Resolver answers permission questions. An empty admin list makes every
// user an admin and an empty allow-list permits recall everywhere.
type Resolver struct {
	modes         AdminModes
	admins        map[string]struct{}
	allowedGroups map[string]struct{}

	warnOnce sync.Once
}

// NewResolver creates a resolver from the configured admin users and recall
// allow-list
func NewResolver(modes AdminModes, adminUsers, allowedGroups []string) *Resolver {
	r := &Resolver{
		modes:         modes,
		admins:        make(map[string]struct{}, len(adminUsers)),
		allowedGroups: make(map[string]struct{}, len(allowedGroups)),
	}
	for _, u := range adminUsers {
		if u = strings.TrimSpace(u); u != "" {
			r.admins[u] = struct{}{}
		}
	}
	for _, g := range allowedGroups {
		if g = strings.TrimSpace(g); g != "" {
			r.allowedGroups[g] = struct{}{}
		}
	}
	return r
}

// IsAdmin reports whether userID is listed as an admin
func (r *Resolver) IsAdmin(userID string) bool {
	if len(r.admins) == 0 {
		r.warnOnce.Do(func() {
			log.Warn("No admin users configured; treating every user as admin")
		})
		return true
	}
	_, ok := r.admins[userID]
	return ok
}

// CanUseRestricted gates the drawing commands
func (r *Resolver) CanUseRestricted(key session.Key, userID string) bool {
	if !r.modes.AdminModeEnabled(key) {
		return true
	}
	return r.IsAdmin(userID)
}

// CanToggleAdminMode always requires an admin
func (r *Resolver) CanToggleAdminMode(userID string) bool {
	return r.IsAdmin(userID)
}

// CanConfigure gates model, preset and recall settings. Admin is only
// required while admin mode is on.
func (r *Resolver) CanConfigure(key session.Key, userID string) bool {
	return r.CanUseRestricted(key, userID)
}

// RecallAllowed reports whether the session passes the recall allow-list
func (r *Resolver) RecallAllowed(key session.Key) bool {
	if len(r.allowedGroups) == 0 {
		return true
	}
	_, ok := r.allowedGroups[key.String()]
	return ok
}
