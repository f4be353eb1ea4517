package recall

import (
	"strings"

	"nai-bot/internal/config"
)

// Accounts maps a platform to the bot's own account id on it
type Accounts struct {
	byPlatform map[string]string
	fallback   string
}

// NewAccounts builds the lookup from [bot]. Entries of platforms look like
// "platform:account".
func NewAccounts(cfg config.BotConfig) *Accounts {
	a := &Accounts{byPlatform: make(map[string]string)}

	for _, entry := range cfg.Platforms {
		platform, account, ok := strings.Cut(entry, ":")
		platform = strings.ToLower(strings.TrimSpace(platform))
		account = strings.TrimSpace(account)
		if !ok || platform == "" || account == "" {
			continue
		}
		a.byPlatform[platform] = account
	}

	qq := strings.TrimSpace(cfg.QQAccount)
	if qq != "" {
		a.setDefault("qq", qq)
	}
	if tg := strings.TrimSpace(cfg.TelegramAccount); tg != "" {
		a.setDefault("telegram", tg)
		a.setDefault("tg", tg)
	}
	a.fallback = qq
	return a
}

func (a *Accounts) setDefault(platform, account string) {
	if _, ok := a.byPlatform[platform]; !ok {
		a.byPlatform[platform] = account
	}
}

// Set registers an account discovered at runtime, such as the bot's own id
// reported by the chat API
func (a *Accounts) Set(platform, account string) {
	a.byPlatform[strings.ToLower(strings.TrimSpace(platform))] = strings.TrimSpace(account)
}

// For returns the bot account for a platform, or the qq account when the
// platform is unknown
func (a *Accounts) For(platform string) string {
	if v, ok := a.byPlatform[strings.ToLower(strings.TrimSpace(platform))]; ok {
		return v
	}
	return a.fallback
}
