package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nai-bot/internal/config"
	"nai-bot/internal/modelcfg"
	"nai-bot/internal/nai"
	"nai-bot/internal/permission"
	"nai-bot/internal/recall"
	"nai-bot/internal/session"
)

type fakeChat struct {
	mu      sync.Mutex
	texts   []string
	urls    []string
	files   []string
	raw     [][]byte
	imageID string
	sendErr error
}

func (c *fakeChat) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeChat) SendImageURL(url string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = append(c.urls, url)
	return c.imageID, c.sendErr
}

func (c *fakeChat) SendImageFile(path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, path)
	return c.imageID, c.sendErr
}

func (c *fakeChat) SendImageBytes(data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = append(c.raw, data)
	return c.imageID, c.sendErr
}

func (c *fakeChat) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

type fakeImages struct {
	payload  string
	err      error
	panicMsg string
	requests []nai.Request
}

func (f *fakeImages) Generate(_ context.Context, req nai.Request) (string, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.requests = append(f.requests, req)
	return f.payload, f.err
}

type fakePrompts struct {
	out     string
	err     error
	selfies []bool
}

func (f *fakePrompts) Generate(_ context.Context, _ string, selfie bool) (string, error) {
	f.selfies = append(f.selfies, selfie)
	return f.out, f.err
}

type fakeCache struct {
	saved [][]byte
	err   error
}

func (f *fakeCache) Save(data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, data)
	return "/cache/nai_1.png", nil
}

type fakeRecaller struct {
	pending []recall.Pending
}

func (f *fakeRecaller) Schedule(p recall.Pending) bool {
	f.pending = append(f.pending, p)
	return true
}

type testBot struct {
	*Bot
	store   *session.Store
	images  *fakeImages
	prompts *fakePrompts
	cache   *fakeCache
	recalls *fakeRecaller
}

func testConfig() *config.Config {
	return &config.Config{
		Model: config.ModelConfig{
			BaseURL:      "http://nai.test",
			DefaultModel: "nai-diffusion-4-5-full",
			Endpoint:     "/generate",
			Timeout:      120,
		},
		AutoRecall: config.AutoRecallConfig{Enabled: true},
	}
}

func newTestBot(t *testing.T, cfg *config.Config) *testBot {
	t.Helper()
	store := session.NewStore(session.Defaults{
		AdminMode: cfg.Admin.DefaultAdminMode,
		Recall:    cfg.AutoRecall.Enabled,
	})
	tb := &testBot{
		store:   store,
		images:  &fakeImages{payload: "https://img.test/1.png"},
		prompts: &fakePrompts{out: "1girl, solo"},
		cache:   &fakeCache{},
		recalls: &fakeRecaller{},
	}
	bot, err := NewBot(cfg, Deps{
		Store:   store,
		Perms:   permission.NewResolver(store, cfg.Admin.AdminUsers, cfg.AutoRecall.AllowedGroups),
		Merger:  modelcfg.NewMerger(cfg, store),
		Prompts: tb.prompts,
		Images:  tb.images,
		Cache:   tb.cache,
		Recalls: tb.recalls,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bot.Close() })
	tb.Bot = bot
	return tb
}

func (tb *testBot) run(t *testing.T, user, group, text string) (Result, *fakeChat) {
	t.Helper()
	chat := &fakeChat{imageID: "42"}
	res, handled := tb.Dispatch(context.Background(), Request{
		Platform: "telegram",
		GroupID:  group,
		UserID:   user,
		Text:     text,
	}, chat)
	require.True(t, handled, "expected %q to be handled", text)
	return res, chat
}

func pngBase64() string {
	return base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		text    string
		command string
		args    []string
		matched bool
	}{
		{text: "/nai0 hatsune miku, smile", command: "nai0", args: []string{"hatsune miku, smile"}, matched: true},
		{text: "/nai st", command: "st", matched: true},
		{text: "/nai sp ", command: "sp", matched: true},
		{text: "/nai on", command: "on", matched: true},
		{text: "/nai off", command: "off", matched: true},
		{text: "/nai help", command: "help", matched: true},
		{text: "/nai set 4.5", command: "set", args: []string{"4.5"}, matched: true},
		{text: "/nai set", command: "set", args: []string{""}, matched: true},
		{text: "/nai art", command: "art", args: []string{""}, matched: true},
		{text: "/nai art 2", command: "art", args: []string{"2"}, matched: true},
		{text: "/nai art deco poster", command: "nai", args: []string{"art deco poster"}, matched: true},
		{text: "/nai 画一张初音未来", command: "nai", args: []string{"画一张初音未来"}, matched: true},
		{text: "/nai stars at night", command: "nai", args: []string{"stars at night"}, matched: true},
		{text: "小明，说： /nai st", command: "st", matched: true},
		{text: "小明，说：/nai0 1girl", command: "nai0", args: []string{"1girl"}, matched: true},
		{text: "/nai", matched: false},
		{text: "hello", matched: false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			command, args, matched := Match(tt.text)
			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestAdminModelScenario(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.AdminUsers = []string{"u1"}
	tb := newTestBot(t, cfg)
	key := session.KeyFor("telegram", "g1", "")

	res, _ := tb.run(t, "u2", "g1", "/nai set 4.5")
	assert.True(t, res.OK, "model selection is open while admin mode is off")
	model, _ := tb.store.SelectedModel(key)
	assert.Equal(t, "nai-diffusion-4-5-full", model)

	res, _ = tb.run(t, "u1", "g1", "/nai st")
	assert.True(t, res.OK)
	assert.True(t, tb.store.AdminModeEnabled(key))

	res, chat := tb.run(t, "u2", "g1", "/nai set 3")
	assert.False(t, res.OK)
	assert.Equal(t, adminModeOnlyText, chat.last())
	model, _ = tb.store.SelectedModel(key)
	assert.Equal(t, "nai-diffusion-4-5-full", model)

	res, _ = tb.run(t, "u1", "g1", "/nai set 3")
	assert.True(t, res.OK)
	model, _ = tb.store.SelectedModel(key)
	assert.Equal(t, "nai-diffusion-3", model)
}

func TestAdminToggleRequiresAdmin(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.AdminUsers = []string{"u1"}
	tb := newTestBot(t, cfg)

	res, chat := tb.run(t, "u2", "", "/nai st")
	assert.False(t, res.OK)
	assert.Equal(t, noPermissionText, chat.last())
	assert.False(t, tb.store.AdminModeEnabled(session.KeyFor("telegram", "", "u2")))
}

func TestEmptyAdminListFailOpen(t *testing.T) {
	tb := newTestBot(t, testConfig())

	res, chat := tb.run(t, "anyone", "g1", "/nai st")
	assert.True(t, res.OK)
	assert.Contains(t, chat.last(), "已在群聊中开启NAI管理员模式")

	res, chat = tb.run(t, "someone-else", "", "/nai sp")
	assert.True(t, res.OK)
	assert.Contains(t, chat.last(), "已在私聊中关闭NAI管理员模式")
}

func TestUnknownModelCodeListsCodes(t *testing.T) {
	tb := newTestBot(t, testConfig())

	res, chat := tb.run(t, "u1", "", "/nai set 5")
	assert.False(t, res.OK)
	assert.Contains(t, chat.last(), "未知的模型代号：5")
	assert.Contains(t, chat.last(), "4.5c - nai-diffusion-4-5-curated")
	_, found := tb.store.SelectedModel(session.KeyFor("telegram", "", "u1"))
	assert.False(t, found)
}

func TestTagDrawURLPayload(t *testing.T) {
	tb := newTestBot(t, testConfig())

	res, chat := tb.run(t, "u1", "g1", "/nai0 hatsune miku, smile")
	require.True(t, res.OK, res.Message)

	require.Len(t, tb.images.requests, 1)
	assert.Equal(t, "hatsune miku, smile", tb.images.requests[0].Prompt)
	assert.Equal(t, "nai-diffusion-4-5-full", tb.images.requests[0].Model)
	assert.Equal(t, []string{"https://img.test/1.png"}, chat.urls)
	assert.Empty(t, chat.files)
	assert.Empty(t, tb.prompts.selfies, "tag mode never calls the prompt generator")

	require.Len(t, tb.recalls.pending, 1)
	p := tb.recalls.pending[0]
	assert.Equal(t, "42", p.MessageID)
	assert.Equal(t, "g1", p.ChatID)
	assert.Equal(t, session.KeyFor("telegram", "g1", "u1"), p.Session)
	assert.Equal(t, 5*time.Second, p.Delay)
	assert.Equal(t, 15*time.Second, p.IDWait)
	assert.False(t, p.SentAt.IsZero())
}

func TestTagDrawPNGPayload(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.images.payload = "data:image/png;base64," + pngBase64()

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	require.True(t, res.OK, res.Message)

	require.Len(t, tb.cache.saved, 1)
	assert.True(t, strings.HasPrefix(string(tb.cache.saved[0]), "\x89PNG"))
	assert.Equal(t, []string{"/cache/nai_1.png"}, chat.files)
	assert.Empty(t, chat.urls)
}

func TestTagDrawCacheFailureSendsBytes(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.images.payload = pngBase64()
	tb.cache.err = errors.New("disk full")

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	require.True(t, res.OK, res.Message)
	require.Len(t, chat.raw, 1)
	assert.Empty(t, chat.files)
}

func TestUnknownPayloadIsReported(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.images.payload = "not an image"

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	assert.False(t, res.OK)
	assert.Equal(t, "API 返回了无法识别的图片格式", chat.last())
	assert.Empty(t, tb.recalls.pending)
}

func TestMissingBaseURLAbortsBeforeGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Model.BaseURL = ""
	tb := newTestBot(t, cfg)

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	assert.False(t, res.OK)
	assert.Equal(t, "NovelAI 配置错误，请检查配置文件", chat.last())
	assert.Empty(t, tb.images.requests)
}

func TestGenerationErrorIsTruncated(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.images.payload = ""
	tb.images.err = &nai.HTTPError{StatusCode: 500, Body: strings.Repeat("错", 300)}

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	assert.False(t, res.OK)
	msg := chat.last()
	assert.True(t, strings.HasPrefix(msg, "生成图片失败：HTTP 500"))
	assert.LessOrEqual(t, len([]rune(msg)), len([]rune("生成图片失败："))+maxErrorRunes)
	assert.Empty(t, tb.recalls.pending)
}

func TestUpstreamServerErrorReachesUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("quota exhausted"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Model.BaseURL = server.URL
	cfg.Model.APIKey = "SECRETTOKEN"
	tb := newTestBot(t, cfg)
	tb.Bot.images = nai.NewClient(nai.Options{Timeout: 5 * time.Second})

	res, chat := tb.run(t, "u1", "", "/nai0 cat")
	assert.False(t, res.OK)
	assert.Equal(t, "生成图片失败：HTTP 500: quota exhausted", chat.last())
	assert.NotContains(t, res.Message, "SECRETTOKEN")
	assert.Empty(t, tb.recalls.pending)
}

func TestDescriptionDrawSelfie(t *testing.T) {
	cfg := testConfig()
	selfie := "selfie, holding phone"
	cfg.Model.SelfiePromptAdd = &selfie
	tb := newTestBot(t, cfg)

	res, _ := tb.run(t, "u1", "", "/nai 来张自拍")
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []bool{true}, tb.prompts.selfies)
	require.Len(t, tb.images.requests, 1)
	assert.Equal(t, "selfie, holding phone, 1girl, solo", tb.images.requests[0].Prompt)
}

func TestDescriptionDrawPromptFailure(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.prompts.err = errors.New("llm down")

	res, chat := tb.run(t, "u1", "", "/nai a cat on a roof")
	assert.False(t, res.OK)
	assert.Equal(t, "提示词生成失败，请稍后再试~", chat.last())
	assert.Equal(t, []bool{false}, tb.prompts.selfies)
	assert.Empty(t, tb.images.requests)
}

func TestAdminModeBlocksDraw(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.AdminUsers = []string{"u1"}
	cfg.Admin.DefaultAdminMode = true
	tb := newTestBot(t, cfg)

	res, chat := tb.run(t, "u2", "g1", "/nai0 1girl")
	assert.False(t, res.OK)
	assert.Equal(t, adminModeOnlyText, chat.last())
	assert.Empty(t, tb.images.requests)

	res, _ = tb.run(t, "u1", "g1", "/nai0 1girl")
	assert.True(t, res.OK, res.Message)
}

func TestRateLimitPerSession(t *testing.T) {
	cfg := testConfig()
	cfg.Components.RateLimitPerMinute = 1
	tb := newTestBot(t, cfg)

	res, _ := tb.run(t, "u1", "g1", "/nai0 1girl")
	require.True(t, res.OK, res.Message)

	res, chat := tb.run(t, "u2", "g1", "/nai0 1girl")
	assert.False(t, res.OK)
	assert.Contains(t, chat.last(), "生图太频繁")

	res, _ = tb.run(t, "u1", "g2", "/nai0 1girl")
	assert.True(t, res.OK, "other sessions have their own budget")
}

func TestPlaceholderWhenSendReturnsNoID(t *testing.T) {
	tb := newTestBot(t, testConfig())
	chat := &fakeChat{}

	res, handled := tb.Dispatch(context.Background(), Request{Platform: "qq", GroupID: "123", UserID: "u1", Text: "/nai0 1girl"}, chat)
	require.True(t, handled)
	require.True(t, res.OK, res.Message)
	require.Len(t, tb.recalls.pending, 1)
	assert.True(t, recall.IsPlaceholder(tb.recalls.pending[0].MessageID))
}

func TestSendFailureSkipsRecall(t *testing.T) {
	tb := newTestBot(t, testConfig())
	chat := &fakeChat{sendErr: errors.New("network")}

	res, _ := tb.Dispatch(context.Background(), Request{Platform: "telegram", UserID: "u1", Text: "/nai0 1girl"}, chat)
	assert.False(t, res.OK)
	assert.Equal(t, "图片发送失败", chat.last())
	assert.Empty(t, tb.recalls.pending)
}

func TestDebugInfoMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Components.EnableDebugInfo = true
	tb := newTestBot(t, cfg)

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []string{"正在生成图片，请稍候...", "图片生成完成！"}, chat.texts)
}

func TestArtistPresetSelection(t *testing.T) {
	cfg := testConfig()
	cfg.ModelNAI45.ArtistPresets = []config.ArtistPreset{
		{Name: "soft", Prompt: "artist:a"},
		{Name: "hard", Prompt: "artist:b"},
	}
	tb := newTestBot(t, cfg)
	key := session.KeyFor("telegram", "", "u1")

	res, chat := tb.run(t, "u1", "", "/nai art")
	assert.True(t, res.OK)
	assert.Contains(t, chat.last(), "1. soft")
	assert.Contains(t, chat.last(), "2. hard")

	res, chat = tb.run(t, "u1", "", "/nai art 3")
	assert.False(t, res.OK)
	assert.Contains(t, chat.last(), "1-2")
	_, found := tb.store.SelectedArtistPreset(key)
	assert.False(t, found)

	for i := 0; i < 2; i++ {
		res, _ = tb.run(t, "u1", "", "/nai art 2")
		require.True(t, res.OK)
		eff, err := tb.merger.Resolve(key)
		require.NoError(t, err)
		assert.Equal(t, "artist:b", eff.ArtistPrompt)
	}
}

func TestArtistWithoutPresets(t *testing.T) {
	tb := newTestBot(t, testConfig())

	res, chat := tb.run(t, "u1", "", "/nai art 1")
	assert.False(t, res.OK)
	assert.Contains(t, chat.last(), "没有配置画师串")
}

func TestRecallToggle(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecall.Enabled = false
	cfg.AutoRecall.AllowedGroups = []string{"telegram:g1"}
	tb := newTestBot(t, cfg)

	res, chat := tb.run(t, "u1", "g1", "/nai on")
	assert.True(t, res.OK)
	assert.Contains(t, chat.last(), "图片将在发送后 5 秒自动撤回")
	assert.True(t, tb.store.RecallEnabled(session.KeyFor("telegram", "g1", "")))

	res, chat = tb.run(t, "u1", "", "/nai on")
	assert.False(t, res.OK)
	assert.Equal(t, recallNotAllowText, chat.last())
	assert.False(t, tb.store.RecallEnabled(session.KeyFor("telegram", "", "u1")))

	res, _ = tb.run(t, "u1", "g1", "/nai off")
	assert.True(t, res.OK)
	assert.False(t, tb.store.RecallEnabled(session.KeyFor("telegram", "g1", "")))
}

func TestHelpShowsSessionState(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.run(t, "u1", "g1", "/nai set 4")

	res, chat := tb.run(t, "u1", "g1", "/nai help")
	assert.True(t, res.OK)
	text := chat.last()
	assert.Contains(t, text, "/nai0 <英文标签>")
	assert.Contains(t, text, "当前会话（telegram:g1）")
	assert.Contains(t, text, "nai-diffusion-4-full（NAI V4）")
	assert.Contains(t, text, "自动撤回：开启（5 秒）")
}

func TestDispatchRecoversPanic(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.images.panicMsg = "boom"

	res, chat := tb.run(t, "u1", "", "/nai0 1girl")
	assert.False(t, res.OK)
	assert.Equal(t, internalErrorText, chat.last())
}

func TestDispatchIgnoresOtherText(t *testing.T) {
	tb := newTestBot(t, testConfig())
	chat := &fakeChat{}

	_, handled := tb.Dispatch(context.Background(), Request{Platform: "telegram", UserID: "u1", Text: "just chatting"}, chat)
	assert.False(t, handled)
	assert.Empty(t, chat.texts)
}

func TestSessionLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newSessionLimiter(2)
	l.now = func() time.Time { return now }
	key := session.KeyFor("telegram", "g1", "")

	assert.True(t, l.Allow(key))
	assert.True(t, l.Allow(key))
	assert.False(t, l.Allow(key))

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow(key), "one token refills every 30s at 2/min")

	disabled := newSessionLimiter(0)
	assert.True(t, disabled.Allow(key))
}
