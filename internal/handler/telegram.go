package handler

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
	"nai-bot/internal/journal"
	"nai-bot/internal/recall"
)

// PlatformTelegram is the platform name used in session keys
const PlatformTelegram = "telegram"

// SetTelegramBot sets the Telegram bot instance
func (b *Bot) SetTelegramBot(tgBot *telebot.Bot) {
	b.tgBot = tgBot
}

// Start registers handlers
func (b *Bot) Start() {
	if b.tgBot == nil {
		log.Error("Telegram bot not set")
		return
	}

	b.tgBot.Handle("/nai", b.commandHandler("/nai"))
	b.tgBot.Handle("/nai0", b.commandHandler("/nai0"))

	// Relayed commands arrive as plain text with a "，说：" prefix
	b.tgBot.Handle(telebot.OnText, b.handleText)
}

func (b *Bot) commandHandler(command string) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		text := command
		if payload := strings.TrimSpace(c.Message().Payload); payload != "" {
			text += " " + payload
		}
		if _, handled := b.dispatchTelegram(c, text); handled {
			return nil
		}
		if command == "/nai0" {
			return c.Send("请输入英文标签，例如：/nai0 hatsune miku, smile")
		}
		return c.Send("请输入你想画的内容，例如：/nai 画一张初音未来\n使用 /nai help 查看全部命令")
	}
}

func (b *Bot) handleText(c telebot.Context) error {
	b.dispatchTelegram(c, c.Text())
	return nil
}

func (b *Bot) dispatchTelegram(c telebot.Context, text string) (Result, bool) {
	chat := c.Chat()
	sender := c.Sender()
	if chat == nil || sender == nil {
		return Result{}, false
	}

	req := Request{
		Platform: PlatformTelegram,
		UserID:   strconv.FormatInt(sender.ID, 10),
		Text:     text,
	}
	if chat.Type != telebot.ChatPrivate {
		req.GroupID = strconv.FormatInt(chat.ID, 10)
	}

	timeout := time.Duration(b.config.Model.Timeout)*time.Second + 30*time.Second
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()

	return b.Dispatch(ctx, req, &telegramChat{bot: b, chat: chat})
}

// telegramChat sends into one Telegram chat and mirrors every sent message
// into the journal so recall can find it
type telegramChat struct {
	bot  *Bot
	chat *telebot.Chat
}

func (t *telegramChat) chatID() string {
	return strconv.FormatInt(t.chat.ID, 10)
}

func (t *telegramChat) author() string {
	if t.bot.accounts != nil {
		return t.bot.accounts.For(PlatformTelegram)
	}
	return strconv.FormatInt(t.bot.tgBot.Me.ID, 10)
}

func (t *telegramChat) SendText(text string) error {
	msg, err := t.bot.tgBot.Send(t.chat, text)
	if err != nil {
		return err
	}
	if t.bot.journal != nil {
		t.bot.journal.Record(t.chatID(), recall.Message{
			ID:       strconv.Itoa(msg.ID),
			AuthorID: t.author(),
			Time:     msg.Time(),
			RawText:  text,
		})
	}
	return nil
}

func (t *telegramChat) SendImageURL(url string) (string, error) {
	return t.sendPhoto(&telebot.Photo{File: telebot.FromURL(url)})
}

func (t *telegramChat) SendImageFile(path string) (string, error) {
	return t.sendPhoto(&telebot.Photo{File: telebot.FromDisk(path)})
}

func (t *telegramChat) SendImageBytes(data []byte) (string, error) {
	return t.sendPhoto(&telebot.Photo{File: telebot.FromReader(bytes.NewReader(data))})
}

// sendPhoto journals a placeholder while the upload is in flight and swaps
// in the real id once Telegram answers
func (t *telegramChat) sendPhoto(photo *telebot.Photo) (string, error) {
	chatID := t.chatID()
	placeholder := recall.NewPlaceholderID()
	if t.bot.journal != nil {
		t.bot.journal.Record(chatID, recall.Message{
			ID:       placeholder,
			AuthorID: t.author(),
			Time:     time.Now(),
			IsPicID:  true,
		})
	}

	msg, err := t.bot.tgBot.Send(t.chat, photo)
	if err != nil {
		if t.bot.journal != nil {
			t.bot.journal.Forget(chatID, placeholder)
		}
		return "", fmt.Errorf("send photo: %w", err)
	}

	id := strconv.Itoa(msg.ID)
	if t.bot.journal != nil {
		t.bot.journal.Replace(chatID, placeholder, id)
	}
	return id, nil
}

// TelegramCommander executes recall verbs against the Bot API. Telegram has
// a single delete call, so only the delete verbs are supported.
type TelegramCommander struct {
	bot     *telebot.Bot
	journal *journal.Journal
}

// NewTelegramCommander creates a commander for the given bot. Deleted
// messages are dropped from j when it is non-nil.
func NewTelegramCommander(bot *telebot.Bot, j *journal.Journal) *TelegramCommander {
	return &TelegramCommander{bot: bot, journal: j}
}

// SendCommand implements recall.Commander
func (c *TelegramCommander) SendCommand(ctx context.Context, name string, payload map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ToLower(name) != "delete_msg" {
		return nil, fmt.Errorf("command %s is not supported on telegram", name)
	}

	messageID := fmt.Sprint(payload["message_id"])
	if recall.IsPlaceholder(messageID) {
		return nil, fmt.Errorf("message id %s was never resolved", messageID)
	}
	chatID, err := strconv.ParseInt(fmt.Sprint(payload["chat_id"]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %v: %w", payload["chat_id"], err)
	}

	if err := c.bot.Delete(telebot.StoredMessage{MessageID: messageID, ChatID: chatID}); err != nil {
		return nil, fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if c.journal != nil {
		c.journal.Forget(strconv.FormatInt(chatID, 10), messageID)
	}
	return map[string]any{"status": "ok"}, nil
}
