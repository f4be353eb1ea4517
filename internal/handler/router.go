package handler

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
	"nai-bot/internal/metrics"
	"nai-bot/internal/session"
)

// Commands may be relayed with a "<name>，说：" prefix by forwarding bots
const relayPrefix = `^(?:.*，说：\s*)?`

var (
	tagPattern   = regexp.MustCompile(relayPrefix + `(?s)/nai0\s+(?P<tags>.+)$`)
	adminPattern = regexp.MustCompile(relayPrefix + `/nai\s+(?:(st|sp|on|off|help)|(set)(?:\s+(\S+))?|(art)(?:\s+(\d+))?)\s*$`)
	drawPattern  = regexp.MustCompile(relayPrefix + `(?s)/nai\s+(?P<description>.+)$`)
)

const internalErrorText = "❌ 命令执行出错，请稍后再试"

// Chat is the outbound side of the conversation a command arrived in. The
// image senders return the platform message id, or "" when the platform does
// not report one synchronously.
type Chat interface {
	SendText(text string) error
	SendImageURL(url string) (string, error)
	SendImageFile(path string) (string, error)
	SendImageBytes(data []byte) (string, error)
}

// Request is one inbound command
type Request struct {
	Platform string
	GroupID  string // empty for private chats
	UserID   string
	Text     string
}

// Key returns the session the request belongs to
func (r Request) Key() session.Key {
	return session.KeyFor(r.Platform, r.GroupID, r.UserID)
}

// ChatType returns the wording used in replies for the kind of chat
func (r Request) ChatType() string {
	if r.GroupID != "" {
		return "群聊"
	}
	return "私聊"
}

// Result is the outcome of a command. Message is a short status for logs;
// anything the user sees has already been sent through Chat.
type Result struct {
	OK      bool
	Message string
}

func ok(msg string) Result   { return Result{OK: true, Message: msg} }
func fail(msg string) Result { return Result{OK: false, Message: msg} }

// Match reports which command a text invokes. The admin pattern is tried
// before the description pattern so that "/nai st" is never drawn.
func Match(text string) (command string, args []string, matched bool) {
	text = strings.TrimSpace(text)
	if m := tagPattern.FindStringSubmatch(text); m != nil {
		return "nai0", []string{strings.TrimSpace(m[1])}, true
	}
	if m := adminPattern.FindStringSubmatch(text); m != nil {
		switch {
		case m[1] != "":
			return m[1], nil, true
		case m[2] != "":
			return "set", []string{m[3]}, true
		default:
			return "art", []string{m[5]}, true
		}
	}
	if m := drawPattern.FindStringSubmatch(text); m != nil {
		return "nai", []string{strings.TrimSpace(m[1])}, true
	}
	return "", nil, false
}

// Dispatch routes a request to its command and turns panics into a generic
// reply. It reports false when the text is not a /nai command.
func (b *Bot) Dispatch(ctx context.Context, req Request, chat Chat) (res Result, handled bool) {
	command, args, matched := Match(req.Text)
	if !matched {
		return Result{}, false
	}

	logger := log.WithFields(log.Fields{
		"command": command,
		"session": req.Key().String(),
		"user":    req.UserID,
	})
	logger.Debug("Dispatching command")

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Command panicked: %v\n%s", r, debug.Stack())
			if err := chat.SendText(internalErrorText); err != nil {
				logger.Warnf("Failed to send error reply: %v", err)
			}
			res, handled = fail(fmt.Sprintf("panic: %v", r)), true
		}
		metrics.RecordCommand(command, res.OK)
		logger.WithField("ok", res.OK).Infof("Command finished: %s", res.Message)
	}()

	switch command {
	case "nai0":
		return b.handleTags(ctx, req, chat, args[0]), true
	case "nai":
		return b.handleDescription(ctx, req, chat, args[0]), true
	case "st", "sp":
		return b.handleAdminMode(req, chat, command == "st"), true
	case "set":
		return b.handleSetModel(req, chat, args[0]), true
	case "art":
		return b.handleArtist(req, chat, args[0]), true
	case "on", "off":
		return b.handleRecallToggle(req, chat, command == "on"), true
	default:
		return b.handleHelp(req, chat), true
	}
}
