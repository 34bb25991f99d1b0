package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mixelka/mailwatch/internal/account"
	"github.com/mixelka/mailwatch/internal/auth"
	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/dedup"
	"github.com/mixelka/mailwatch/internal/formatter"
	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/internal/history"
	"github.com/mixelka/mailwatch/internal/ingest"
	"github.com/mixelka/mailwatch/internal/mailboxlock"
	"github.com/mixelka/mailwatch/internal/parser"
	"github.com/mixelka/mailwatch/internal/secret"
	"github.com/mixelka/mailwatch/internal/subscription"
	"github.com/mixelka/mailwatch/internal/telegram"
	"github.com/mixelka/mailwatch/internal/webhook"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailwatch",
		Short:         "Push-driven mailbox watcher",
		Long:          "Mailwatch receives mailbox change notifications, fetches new messages and forwards them to Telegram.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, watch scheduler and bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error { return a.serve(cmd.Context()) })
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "renew",
		Short: "Renew watches that expire soon, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				report, err := a.watches.RenewExpiring(cmd.Context(), a.cfg.RenewWithin)
				if err != nil {
					return err
				}
				fmt.Printf("renewed %d, deactivated %d, failed %d\n", report.Renewed, report.Deactivated, report.Failed)
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Create watches for active accounts that have none, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				report, err := a.watches.SetupMissing(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("created %d, failed %d\n", report.Renewed, report.Failed)
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mailwatch %s\n", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *database.DB
	tokens   *auth.TokenManager
	watches  *subscription.Manager
	accounts *account.Service
	dedup    *dedup.Deduplicator
	ingestor *ingest.Ingestor
	bot      *telegram.Bot
	server   *webhook.Server
}

func withApp(run func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.db.Close()

	return run(a)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, err := db.SchemaVersion(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database ready", "path", cfg.DatabasePath, "schema_version", version)

	cipher, err := secret.NewCipher(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	breaker := gmail.NewBreaker(logger)
	tokens := auth.NewTokenManager(auth.Config{
		OAuth:  auth.NewOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL),
		Store:  db,
		Cipher: cipher,
		NewAPI: func(ctx context.Context, ts oauth2.TokenSource) (gmail.API, error) {
			return gmail.NewClient(ctx, ts, gmail.ClientConfig{
				Breaker:     breaker,
				CallTimeout: cfg.ProviderCallTimeout,
			})
		},
		HTTPClient: &http.Client{Timeout: cfg.ProviderCallTimeout},
		Logger:     logger,
	})
	if !cfg.OAuthConfigured() {
		logger.Warn("google oauth client not configured, authorization and provider calls will fail")
	}

	watches := subscription.NewManager(subscription.Config{
		Store:    db,
		Tokens:   tokens,
		Topic:    cfg.PubSubTopic,
		LabelIDs: cfg.WatchLabelIDs,
		Logger:   logger,
	})
	accounts := account.NewService(db, tokens, watches, logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		tokens:   tokens,
		watches:  watches,
		accounts: accounts,
		dedup:    dedup.New(cfg.DedupTTL),
	}

	var dispatcher ingest.Dispatcher = ingest.NewLogDispatcher(logger)
	if cfg.TelegramEnabled() {
		connectURL := ""
		if cfg.PublicBaseURL != "" {
			connectURL = strings.TrimRight(cfg.PublicBaseURL, "/") + "/oauth/start"
		}
		a.bot, err = telegram.NewBot(telegram.BotDeps{
			Token:        cfg.TelegramToken,
			ChatID:       cfg.TelegramChatID,
			TopicID:      cfg.TelegramTopicID,
			ConnectURL:   connectURL,
			Accounts:     accounts,
			CodeDetector: parser.NewCodeDetector(),
			Formatter:    formatter.NewTelegramFormatter(time.Local),
			Logger:       logger,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create bot: %w", err)
		}
		dispatcher = a.bot
	}

	a.ingestor = ingest.New(ingest.Config{
		Accounts:       db,
		Tokens:         tokens,
		Engine:         history.NewEngine(logger),
		Dedup:          a.dedup,
		Locker:         mailboxlock.New(),
		Dispatcher:     dispatcher,
		ProcessTimeout: cfg.ProcessTimeout,
		Logger:         logger,
	})

	a.server = webhook.New(webhook.Config{
		Ingestor:     a.ingestor,
		Authorizer:   tokens,
		Connector:    accounts,
		WebhookToken: cfg.WebhookToken,
		Logger:       logger,
	})

	return a, nil
}

// serve runs every long-lived component until ctx is cancelled or the
// HTTP listener fails
func (a *app) serve(parent context.Context) error {
	a.logger.Info("starting mailwatch", "version", version, "addr", a.cfg.HTTPAddr)

	ctx, stop := context.WithCancel(parent)
	defer stop()

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	run(func() { a.dedup.Run(ctx, a.cfg.DedupSweepInterval, a.logger) })
	run(func() { a.watches.Run(ctx, a.cfg.RenewInterval, a.cfg.RenewWithin) })
	if a.bot != nil {
		run(func() { a.bot.Start(ctx) })
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Listen(a.cfg.HTTPAddr) }()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err = <-serverErr:
		a.logger.Error("http server stopped", "error", err)
		if err == nil {
			err = errors.New("http server stopped unexpectedly")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if shutdownErr := a.server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("failed to shut down http server", "error", shutdownErr)
	}

	wg.Wait()
	a.logger.Info("mailwatch stopped")
	return err
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
