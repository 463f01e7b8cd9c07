package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/MedLine/internal/alarm"
	"github.com/hray3182/MedLine/internal/api"
	"github.com/hray3182/MedLine/internal/bot"
	"github.com/hray3182/MedLine/internal/config"
	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/engine"
	"github.com/hray3182/MedLine/internal/notify"
	"github.com/hray3182/MedLine/internal/processor"
	"github.com/hray3182/MedLine/internal/repository"
	"github.com/hray3182/MedLine/internal/repository/memory"
	"github.com/hray3182/MedLine/internal/scheduler"
	"github.com/hray3182/MedLine/internal/stock"
)

// dataStore is satisfied by both the Postgres and the in-memory store.
type dataStore interface {
	scheduler.Store
	processor.Store
	stock.Store
	alarm.Store
	api.Store
	bot.Store
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "medline",
		Short: "Medication reminder engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(previewCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder engine, the Telegram bot and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.UseDatabase() {
				return errors.New("DATABASE_URI is required")
			}
			logger := newLogger(cfg)

			db, err := database.New(cmd.Context(), cfg.DatabaseURI, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := db.Migrate(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Print the next due instant of every reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			loc, _ := cfg.Location()

			store, _, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			sched := scheduler.New(store, alarm.NewCronDispatcher(logger), nil, scheduler.Config{Location: loc}, logger)
			entries, err := sched.Preview(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No reminders scheduled.")
				return nil
			}
			fmt.Printf("%-10s %-12s %-10s %s\n", "REMINDER", "KIND", "MEDICINE", "DUE")
			for _, e := range entries {
				fmt.Printf("%-10d %-12s %-10d %s\n", e.ReminderID, e.Kind, e.MedicineID, e.At.In(loc).Format("Mon 2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	loc, _ := cfg.Location()

	store, pinger, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		presenter notify.Presenter
		signaler  notify.Signaler
		tgAPI     *tgbotapi.BotAPI
	)
	if cfg.TelegramToken != "" {
		tgAPI, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("create telegram api: %w", err)
		}
		logger.Info().Str("account", tgAPI.Self.UserName).Msg("telegram authorized")
		tg := notify.NewTelegram(tgAPI, cfg.TelegramChatID, loc, logger)
		presenter, signaler = tg, tg
	} else {
		logger.Warn().Msg("TELEGRAM_TOKEN not set, notifications go to the log")
		l := notify.NewLog(logger)
		presenter, signaler = l, l
	}

	cron := alarm.NewCronDispatcher(logger)
	journal := alarm.NewJournal(cron, store, logger)

	sched := scheduler.New(store, journal, signaler, scheduler.Config{
		GroupTolerance:  cfg.GroupTolerance(),
		DispatchRetries: cfg.DispatchRetries,
		Location:        loc,
	}, logger)
	stockMgr := stock.NewManager(store, signaler, cfg.LowStockThreshold, logger)
	proc := processor.New(store, journal, presenter, signaler, stockMgr, sched, processor.Config{
		SnoozeDelay:    cfg.SnoozeDelay(),
		RepeatInterval: cfg.RepeatInterval(),
		RepeatMax:      cfg.RepeatMaxCount,
	}, logger)
	eng := engine.New(proc, sched, journal, signaler, logger)

	cron.OnFire = eng.OnAlarm
	cron.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cron.Stop(stopCtx)
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Options{
			Engine:  eng,
			Preview: sched,
			Store:   store,
			DB:      pinger,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if tgAPI != nil {
		b := bot.New(tgAPI, cfg.TelegramChatID, eng, sched, store, loc, logger)
		g.Go(func() error {
			if err := b.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Msg("shut down")
	return err
}

// openStore connects to Postgres and applies migrations, or falls back to the
// in-memory store when no database is configured.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dataStore, api.Pinger, func(), error) {
	if !cfg.UseDatabase() {
		logger.Warn().Msg("DATABASE_URI not set, using in-memory store")
		return memory.NewStore(), nil, func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURI, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	if _, err := db.Migrate(ctx, logger); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repository.NewStore(db), db, db.Close, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
