package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
	"nai-bot/internal/config"
	"nai-bot/internal/journal"
	"nai-bot/internal/modelcfg"
	"nai-bot/internal/nai"
	"nai-bot/internal/permission"
	"nai-bot/internal/prompt"
	"nai-bot/internal/recall"
	"nai-bot/internal/session"
)

const (
	noPermissionText   = "❌ 你没有权限使用此命令"
	adminModeOnlyText  = "❌ 当前会话已开启管理员模式，仅管理员可使用此命令"
	recallNotAllowText = "❌ 当前会话没有使用自动撤回功能的权限"
)

// ImageStore persists decoded images so they can be uploaded as files
type ImageStore interface {
	Save(data []byte) (string, error)
}

// Recaller schedules the recall of a sent image
type Recaller interface {
	Schedule(p recall.Pending) bool
}

// Deps are the collaborators a Bot drives
type Deps struct {
	Store    *session.Store
	Perms    *permission.Resolver
	Merger   *modelcfg.Merger
	Prompts  prompt.Generator
	Images   nai.Generator
	Cache    ImageStore
	Recalls  Recaller
	Journal  *journal.Journal
	Accounts *recall.Accounts
}

// Bot represents the drawing bot with all dependencies
type Bot struct {
	config   *config.Config
	tgBot    *telebot.Bot
	store    *session.Store
	perms    *permission.Resolver
	merger   *modelcfg.Merger
	prompts  prompt.Generator
	images   nai.Generator
	cache    ImageStore
	recalls  Recaller
	journal  *journal.Journal
	accounts *recall.Accounts
	limiter  *sessionLimiter
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBot creates a new bot instance
func NewBot(cfg *config.Config, deps Deps) (*Bot, error) {
	if deps.Store == nil || deps.Perms == nil || deps.Merger == nil {
		return nil, fmt.Errorf("session store, permission resolver and merger are required")
	}
	if deps.Images == nil {
		return nil, fmt.Errorf("image generator is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		config:   cfg,
		store:    deps.Store,
		perms:    deps.Perms,
		merger:   deps.Merger,
		prompts:  deps.Prompts,
		images:   deps.Images,
		cache:    deps.Cache,
		recalls:  deps.Recalls,
		journal:  deps.Journal,
		accounts: deps.Accounts,
		limiter:  newSessionLimiter(cfg.Components.RateLimitPerMinute),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Close cancels in-flight generations
func (b *Bot) Close() error {
	b.cancel()
	return nil
}

// handleAdminMode handles /nai st and /nai sp
func (b *Bot) handleAdminMode(req Request, chat Chat, enable bool) Result {
	if !b.perms.CanToggleAdminMode(req.UserID) {
		b.reply(chat, noPermissionText)
		return fail("没有管理员权限")
	}

	key := req.Key()
	b.store.SetAdminMode(key, enable)

	if enable {
		b.reply(chat, fmt.Sprintf("✅ 已在%s中开启NAI管理员模式\n🔒 现在仅管理员可使用 /nai 生图命令\n💡 使用 /nai sp 可关闭此模式", req.ChatType()))
		return ok("管理员模式已开启")
	}
	b.reply(chat, fmt.Sprintf("✅ 已在%s中关闭NAI管理员模式\n🔓 现在所有人都可使用 /nai 生图命令\n💡 使用 /nai st 可重新开启", req.ChatType()))
	return ok("管理员模式已关闭")
}

// handleSetModel handles /nai set <code>
func (b *Bot) handleSetModel(req Request, chat Chat, code string) Result {
	key := req.Key()
	if !b.perms.CanConfigure(key, req.UserID) {
		b.reply(chat, adminModeOnlyText)
		return fail("没有权限")
	}

	if code == "" {
		b.reply(chat, "当前模型："+b.merger.EffectiveModel(key)+"\n\n"+modelCodeList())
		return fail("未提供模型代号")
	}

	model, found := modelcfg.LookupCode(code)
	if !found {
		b.reply(chat, fmt.Sprintf("❌ 未知的模型代号：%s\n\n%s", code, modelCodeList()))
		return fail("未知的模型代号")
	}

	b.store.SetSelectedModel(key, model)
	family := modelcfg.Classify(model)
	text := fmt.Sprintf("✅ 已在%s中切换模型为 %s（%s）", req.ChatType(), model, family)
	if _, presets := b.merger.Presets(key); len(presets) > 0 {
		text += fmt.Sprintf("\n🎨 该模型系列有 %d 个画师串，使用 /nai art 查看", len(presets))
	}
	b.reply(chat, text)
	return ok("模型已切换为 " + model)
}

// handleArtist handles /nai art [n]
func (b *Bot) handleArtist(req Request, chat Chat, arg string) Result {
	key := req.Key()
	if !b.perms.CanConfigure(key, req.UserID) {
		b.reply(chat, adminModeOnlyText)
		return fail("没有权限")
	}

	family, presets := b.merger.Presets(key)
	if len(presets) == 0 {
		b.reply(chat, fmt.Sprintf("当前模型系列（%s）没有配置画师串", family))
		return fail("没有可用的画师串")
	}

	if arg == "" {
		var sb strings.Builder
		fmt.Fprintf(&sb, "🎨 当前模型系列（%s）的画师串：\n", family)
		current, _ := b.store.SelectedArtistPreset(key)
		for i, p := range presets {
			marker := ""
			if i+1 == current {
				marker = " ✅"
			}
			fmt.Fprintf(&sb, "%d. %s%s\n", i+1, p.Name, marker)
		}
		sb.WriteString("\n💡 使用 /nai art <序号> 选择")
		b.reply(chat, sb.String())
		return ok("已列出画师串")
	}

	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 1 || idx > len(presets) {
		b.reply(chat, fmt.Sprintf("❌ 画师串序号超出范围（1-%d）", len(presets)))
		return fail("画师串序号无效")
	}

	b.store.SetSelectedArtistPreset(key, idx)
	b.reply(chat, fmt.Sprintf("✅ 已在%s中选择画师串 %d：%s", req.ChatType(), idx, presets[idx-1].Name))
	return ok(fmt.Sprintf("画师串已切换为 %d", idx))
}

// handleRecallToggle handles /nai on and /nai off
func (b *Bot) handleRecallToggle(req Request, chat Chat, enable bool) Result {
	key := req.Key()
	if !b.perms.CanConfigure(key, req.UserID) {
		b.reply(chat, adminModeOnlyText)
		return fail("没有权限")
	}
	if !b.perms.RecallAllowed(key) {
		b.reply(chat, recallNotAllowText)
		return fail("当前会话没有使用自动撤回功能的权限")
	}

	b.store.SetRecallEnabled(key, enable)

	if enable {
		b.reply(chat, fmt.Sprintf("✅ 已在%s中开启NAI图片自动撤回功能\n📝 图片将在发送后 %d 秒自动撤回\n💡 使用 /nai off 可关闭此功能",
			req.ChatType(), b.config.AutoRecall.Delay()))
		return ok("自动撤回已开启")
	}
	b.reply(chat, fmt.Sprintf("✅ 已在%s中关闭NAI图片自动撤回功能\n💡 使用 /nai on 可重新开启", req.ChatType()))
	return ok("自动撤回已关闭")
}

// handleHelp handles /nai help
func (b *Bot) handleHelp(req Request, chat Chat) Result {
	key := req.Key()
	state := b.store.Snapshot(key)
	model := b.merger.EffectiveModel(key)

	preset := "默认"
	if family, presets := b.merger.Presets(key); state.ArtistPreset > 0 && len(presets) > 0 {
		idx := state.ArtistPreset
		if idx > len(presets) {
			idx = 1
		}
		preset = fmt.Sprintf("%d. %s（%s）", idx, presets[idx-1].Name, family)
	}

	recallState := "关闭"
	if state.RecallEnabled && b.perms.RecallAllowed(key) {
		recallState = fmt.Sprintf("开启（%d 秒）", b.config.AutoRecall.Delay())
	}

	text := `🎨 NovelAI 绘图帮助

生图命令：
• /nai <描述> - 由 LLM 转换为提示词后生图（描述中包含“自拍”会启用自拍模式）
• /nai0 <英文标签> - 直接使用英文标签生图

设置命令：
• /nai set <代号> - 切换模型
• /nai art [序号] - 查看或选择画师串
• /nai on / off - 开启或关闭图片自动撤回
• /nai st / sp - 开启或关闭管理员模式（仅管理员）
• /nai help - 显示此帮助

` + modelCodeList() + fmt.Sprintf(`

当前会话（%s）：
• 管理员模式：%s
• 模型：%s（%s）
• 画师串：%s
• 自动撤回：%s`, key, onOff(state.AdminMode), model, modelcfg.Classify(model), preset, recallState)

	b.reply(chat, text)
	return ok("已显示帮助")
}

func (b *Bot) reply(chat Chat, text string) {
	if err := chat.SendText(text); err != nil {
		log.Warnf("Failed to send reply: %v", err)
	}
}

func modelCodeList() string {
	var sb strings.Builder
	sb.WriteString("可用模型：")
	for _, c := range modelcfg.Codes() {
		fmt.Fprintf(&sb, "\n• %s - %s", c.Code, c.Model)
	}
	return sb.String()
}

func onOff(v bool) string {
	if v {
		return "开启"
	}
	return "关闭"
}
