package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
	"nai-bot/internal/config"
	"nai-bot/internal/handler"
	"nai-bot/internal/imagecache"
	"nai-bot/internal/journal"
	"nai-bot/internal/logging"
	"nai-bot/internal/metrics"
	"nai-bot/internal/modelcfg"
	"nai-bot/internal/nai"
	"nai-bot/internal/permission"
	"nai-bot/internal/prompt"
	"nai-bot/internal/recall"
	"nai-bot/internal/session"
)

func main() {
	// Secrets may live in a .env file next to the binary
	_ = godotenv.Load()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize logging
	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Output)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger.Info("Starting NovelAI drawing bot")

	// Create HTTP client for Telegram bot with proxy if enabled
	tgHTTPClient := &http.Client{
		Timeout: time.Duration(cfg.Telegram.PollingTimeout+30) * time.Second,
	}

	if cfg.Proxy.Enabled && cfg.Proxy.URL != "" {
		logger.Infof("Using proxy: %s", cfg.Proxy.URL)
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			logger.Fatalf("Invalid proxy URL: %v", err)
		}

		tgHTTPClient.Transport = &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			IdleConnTimeout: 90 * time.Second,
		}
	}

	// Create Telegram bot
	botSettings := telebot.Settings{
		Token:     cfg.Telegram.Token,
		Poller:    &telebot.LongPoller{Timeout: time.Duration(cfg.Telegram.PollingTimeout) * time.Second},
		Client:    tgHTTPClient,
		Verbose:   cfg.Logging.Level == "debug",
		ParseMode: telebot.ModeDefault,
		OnError: func(err error, c telebot.Context) {
			logger.Errorf("Telegram handler error: %v", err)
		},
	}

	tgBot, err := telebot.NewBot(botSettings)
	if err != nil {
		logger.Fatalf("Failed to create Telegram bot: %v", err)
	}

	logger.Infof("Telegram bot authorized as @%s", tgBot.Me.Username)

	// Session state and the services reading it
	store := session.NewStore(session.Defaults{
		AdminMode: cfg.Admin.DefaultAdminMode,
		Recall:    cfg.AutoRecall.Enabled,
	})
	perms := permission.NewResolver(store, cfg.Admin.AdminUsers, cfg.AutoRecall.AllowedGroups)
	merger := modelcfg.NewMerger(cfg, store)

	accounts := recall.NewAccounts(cfg.Bot)
	accounts.Set(handler.PlatformTelegram, strconv.FormatInt(tgBot.Me.ID, 10))

	history := journal.New(journal.DefaultCapacity)
	scheduler := recall.NewScheduler(history, handler.NewTelegramCommander(tgBot, history), accounts, store, perms)

	cache, err := imagecache.New(imagecache.Options{
		Dir:      cfg.ImageCache.Dir,
		MaxAge:   time.Duration(cfg.ImageCache.MaxAgeMinutes) * time.Minute,
		MaxFiles: cfg.ImageCache.MaxFiles,
		Schedule: cfg.ImageCache.CleanupInterval,
	})
	if err != nil {
		logger.Fatalf("Failed to create image cache: %v", err)
	}
	if err := cache.Start(); err != nil {
		logger.Fatalf("Failed to start image cache cleanup: %v", err)
	}
	logger.Debugf("Decoded images are written to %s", cache.Dir())

	images := nai.NewClient(nai.Options{
		Timeout: time.Duration(cfg.Model.Timeout) * time.Second,
	})

	// Create bot handler
	botHandler, err := handler.NewBot(cfg, handler.Deps{
		Store:    store,
		Perms:    perms,
		Merger:   merger,
		Prompts:  prompt.NewOpenAIGenerator(cfg.PromptGenerator),
		Images:   images,
		Cache:    cache,
		Recalls:  scheduler,
		Journal:  history,
		Accounts: accounts,
	})
	if err != nil {
		logger.Fatalf("Failed to create bot handler: %v", err)
	}
	botHandler.SetTelegramBot(tgBot)
	botHandler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Listen)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bot is now running. Press Ctrl+C to exit.")

	// Start the bot in a goroutine
	go func() {
		tgBot.Start()
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Infof("Received signal %v, shutting down...", sig)

	// Stop the bot
	tgBot.Stop()
	if err := botHandler.Close(); err != nil {
		logger.Errorf("Failed to close bot handler: %v", err)
	}
	cancel()

	// Pending recalls still fire; they are bounded by delay + id wait
	logger.Info("Waiting for pending recalls")
	scheduler.Wait()
	cache.Stop()

	logger.Info("Bot shutdown complete")
}
