package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"versebot/internal/bot"
	"versebot/internal/browser"
	"versebot/internal/bus"
	"versebot/internal/channel"
	"versebot/internal/config"
	"versebot/internal/metrics"
	"versebot/internal/provider"
	"versebot/internal/storage"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "versebot",
		Short: "versebot: a multi-bot Telegram dispatcher",
		Long:  "versebot routes Telegram messages to specialized bots: an assistant for questions and voice, a poet for verses and generated songs.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.versebot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(loginCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("config written", "path", cfgPath)
			logger.Info("set TELEGRAM_BOT_TOKEN before running serve")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot (Telegram polling + dispatcher)",
		Long:  "Starts the Telegram transport, the dispatcher, and all registered handlers. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config not found, using defaults", "path", cfgPath)
			cfg = config.Defaults()
		} else {
			return nil, err
		}
	}
	// Environment secrets win over config file values. A missing Telegram
	// token is fatal here.
	if _, err := config.LoadSecrets(cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	setLogLevel(cfg.General.LogLevel)

	if err := os.MkdirAll(cfg.General.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	aiSvc := provider.NewAIService(provider.AIServiceConfig{
		APIBase:       cfg.AI.APIBase,
		APIKey:        cfg.AI.APIKey,
		Model:         cfg.AI.Model,
		CreativeModel: cfg.AI.CreativeModel,
		MaxTokens:     cfg.AI.MaxTokens,
		Temperature:   cfg.AI.Temperature,
		Timeout:       time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		Logger:        logger,
	})
	speechSvc := provider.NewSpeechService(provider.SpeechServiceConfig{
		APIBase:      cfg.AI.APIBase,
		APIKey:       cfg.AI.APIKey,
		WhisperModel: cfg.Speech.WhisperModel,
		Language:     cfg.Speech.Language,
		TTSModel:     cfg.Speech.TTSModel,
		TTSVoice:     cfg.Speech.TTSVoice,
		Timeout:      time.Duration(cfg.Speech.TimeoutSeconds) * time.Second,
		Logger:       logger,
	})

	var studio bot.TrackMaker
	if cfg.Studio.Enabled {
		bridge := browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.Studio.ProfileDir,
			Headless:   cfg.Studio.Headless,
			Logger:     logger,
		})
		studio = browser.NewStudio(browser.StudioConfig{
			Bridge:      bridge,
			BaseURL:     cfg.Studio.BaseURL,
			MaxAttempts: cfg.Studio.MaxAttempts,
			WaitTimeout: time.Duration(cfg.Studio.TimeoutMinutes) * time.Minute,
			Logger:      logger,
		})
		logger.Info("studio automation enabled", "url", cfg.Studio.BaseURL)
	}

	registry := bot.NewRegistry(logger)
	registry.Register(bot.NewAssistant(aiSvc, speechSvc, cfg.General.TempDir, logger))
	registry.Register(bot.NewPoet(aiSvc, studio, registry, cfg.General.TempDir, logger))

	rules := bot.LoadRules(cfg.Routing.RulesPath, logger)
	router, err := bot.NewRouter(registry, rules, logger)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	dispatcher := bot.NewDispatcher(bot.DispatcherConfig{
		Registry:    registry,
		Router:      router,
		Store:       store,
		Bus:         messageBus,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})

	// A handler that fails to come up stays guarded; the rest keep serving.
	if err := dispatcher.InitializeAll(ctx); err != nil {
		logger.Warn("some handlers failed to initialize", "error", err)
	}
	defer dispatcher.ShutdownAll()

	go dispatcher.Run(ctx)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	var infos []channel.HandlerInfo
	for _, h := range registry.All() {
		infos = append(infos, channel.HandlerInfo{Name: h.Name(), Description: h.Description()})
	}
	telegram := channel.NewTelegram(channel.TelegramConfig{
		Token:     cfg.Telegram.Token,
		AllowFrom: cfg.Telegram.AllowFrom,
		ParseMode: cfg.Telegram.ParseMode,
		TempDir:   cfg.General.TempDir,
		Store:     store,
		Handlers:  infos,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- telegram.Start(ctx, messageBus)
	}()

	logger.Info("versebot started", "version", version, "handlers", registry.Len())

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
	return nil
}

func serveMetrics(ctx context.Context, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("telegram", "configured", cfg.Telegram.Token != "")
			logger.Info("ai", "mock", cfg.AI.APIKey == "", "model", cfg.AI.Model)
			logger.Info("studio", "enabled", cfg.Studio.Enabled)
			logger.Info("storage", "path", cfg.Storage.DBPath)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [handler]",
		Short: "Show per-handler usage statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer store.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			stats, err := store.GetStats(context.Background(), name)
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			if len(stats) == 0 {
				fmt.Println("no statistics recorded")
				return nil
			}
			for _, st := range stats {
				fmt.Printf("%-12s requests=%d ok=%d failed=%d last=%s\n",
					st.HandlerName, st.RequestCount, st.SuccessCount, st.ErrorCount,
					st.LastRequest.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a browser to log in to the music studio",
		Long:  "Opens a visible Chrome window for you to log in to the studio site. Cookies are saved in the profile directory for later headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := browser.NewBridge(browser.BridgeConfig{
				ProfileDir: cfg.Studio.ProfileDir,
				Headless:   false,
				Logger:     logger,
			})
			return bridge.Login(ctx, cfg.Studio.BaseURL)
		},
	}
}
