package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"nai-bot/internal/metrics"
	"nai-bot/internal/modelcfg"
	"nai-bot/internal/nai"
	"nai-bot/internal/prompt"
	"nai-bot/internal/recall"
)

const maxErrorRunes = 100

// handleTags handles /nai0 <tags>: the tags go to the API untouched
func (b *Bot) handleTags(ctx context.Context, req Request, chat Chat, tags string) Result {
	if !b.perms.CanUseRestricted(req.Key(), req.UserID) {
		b.reply(chat, adminModeOnlyText)
		return fail("没有权限")
	}
	if tags == "" {
		b.reply(chat, "请输入英文标签，例如：/nai0 hatsune miku, smile")
		return fail("未提供标签")
	}
	if !b.limiter.Allow(req.Key()) {
		b.reply(chat, "⏳ 生图太频繁了，请稍后再试")
		return fail("触发频率限制")
	}
	return b.draw(ctx, req, chat, prompt.Truncate(tags), false)
}

// handleDescription handles /nai <description>: an LLM turns the
// description into tags first
func (b *Bot) handleDescription(ctx context.Context, req Request, chat Chat, description string) Result {
	if !b.perms.CanUseRestricted(req.Key(), req.UserID) {
		b.reply(chat, adminModeOnlyText)
		return fail("没有权限")
	}
	if description == "" {
		b.reply(chat, "请输入你想画的内容，例如：/nai 画一张初音未来")
		return fail("未提供描述")
	}
	if !b.limiter.Allow(req.Key()) {
		b.reply(chat, "⏳ 生图太频繁了，请稍后再试")
		return fail("触发频率限制")
	}
	if b.prompts == nil {
		b.reply(chat, "提示词生成失败，请稍后再试~")
		return fail("未配置提示词生成器")
	}

	selfie := prompt.IsSelfie(description)
	generated, err := b.prompts.Generate(ctx, description, selfie)
	if err != nil {
		log.WithField("session", req.Key().String()).Errorf("Prompt generation failed: %v", err)
		b.reply(chat, "提示词生成失败，请稍后再试~")
		return fail("提示词生成失败")
	}

	return b.draw(ctx, req, chat, generated, selfie)
}

// draw resolves the session config, calls the generation API, delivers the
// image and schedules its recall
func (b *Bot) draw(ctx context.Context, req Request, chat Chat, tags string, selfie bool) Result {
	key := req.Key()
	logger := log.WithField("session", key.String())

	eff, err := b.merger.Resolve(key)
	if err != nil {
		logger.Errorf("Failed to resolve model config: %v", err)
		if errors.Is(err, modelcfg.ErrMissingBaseURL) {
			b.reply(chat, "NovelAI 配置错误，请检查配置文件")
			return fail("配置错误")
		}
		b.reply(chat, internalErrorText)
		return fail("配置解析失败")
	}

	if selfie {
		tags = prompt.WithSelfie(tags, eff.SelfiePromptAdd)
	}
	tags = prompt.Truncate(tags)
	logger.WithFields(log.Fields{"model": eff.Model, "family": eff.Family.String()}).Infof("Generating image: %s", tags)

	debugInfo := b.config.Components.EnableDebugInfo
	if debugInfo {
		b.reply(chat, "正在生成图片，请稍候...")
	}

	start := time.Now()
	payload, err := b.images.Generate(ctx, nai.NewRequest(eff, tags))
	metrics.RecordGeneration(eff.Family.String(), err == nil, time.Since(start))
	if err != nil {
		logger.Errorf("Image generation failed: %v", err)
		b.reply(chat, "生成图片失败："+truncateRunes(err.Error(), maxErrorRunes))
		return fail(fmt.Sprintf("生成失败: %v", err))
	}
	if payload == "" {
		b.reply(chat, "API 返回了无效的数据")
		return fail("无效的数据")
	}

	kind, data := nai.ClassifyPayload(payload)
	metrics.RecordPayload(kind.String())

	sentAt := time.Now()
	messageID, err := b.deliver(chat, kind, data)
	if err != nil {
		if errors.Is(err, nai.ErrUnrecognizedFormat) {
			logger.Warnf("Unrecognized payload: %.50s", data)
			b.reply(chat, "API 返回了无法识别的图片格式")
			return fail("无法识别的图片格式")
		}
		logger.Errorf("Failed to send image: %v", err)
		b.reply(chat, "图片发送失败")
		return fail("图片发送失败")
	}

	if debugInfo {
		b.reply(chat, "图片生成完成！")
	}

	b.scheduleRecall(req, messageID, sentAt)
	return ok("图片已发送")
}

// deliver sends the payload the way its kind requires
func (b *Bot) deliver(chat Chat, kind nai.PayloadKind, data string) (string, error) {
	switch kind {
	case nai.PayloadURL:
		return chat.SendImageURL(data)
	case nai.PayloadBase64:
		raw, err := nai.DecodeBase64(data)
		if err != nil {
			return "", fmt.Errorf("decode image: %w", err)
		}
		if b.cache != nil {
			path, err := b.cache.Save(raw)
			if err == nil {
				return chat.SendImageFile(path)
			}
			log.Warnf("Failed to cache image, sending bytes instead: %v", err)
		}
		return chat.SendImageBytes(raw)
	default:
		return "", nai.ErrUnrecognizedFormat
	}
}

func (b *Bot) scheduleRecall(req Request, messageID string, sentAt time.Time) {
	if b.recalls == nil {
		return
	}
	if messageID == "" {
		messageID = recall.NewPlaceholderID()
	}
	key := req.Key()
	b.recalls.Schedule(recall.Pending{
		Session:   key,
		ChatID:    key.ChatID,
		MessageID: messageID,
		SentAt:    sentAt,
		Delay:     time.Duration(b.config.AutoRecall.Delay()) * time.Second,
		IDWait:    time.Duration(b.config.AutoRecall.IDWait()) * time.Second,
	})
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
