package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	httptransport "github.com/spec-kit/ticketbot/internal/api/http"
	"github.com/spec-kit/ticketbot/internal/api/http/handlers"
	"github.com/spec-kit/ticketbot/internal/auth"
	"github.com/spec-kit/ticketbot/internal/bot"
	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/config"
	"github.com/spec-kit/ticketbot/internal/confirm"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/events"
	"github.com/spec-kit/ticketbot/internal/observability"
	"github.com/spec-kit/ticketbot/internal/persistence"
	"github.com/spec-kit/ticketbot/internal/platform"
	"github.com/spec-kit/ticketbot/internal/platform/memory"
	"github.com/spec-kit/ticketbot/internal/platform/telegram"
	"github.com/spec-kit/ticketbot/internal/repository"
	"github.com/spec-kit/ticketbot/internal/service"
	"github.com/spec-kit/ticketbot/internal/store"
	"github.com/spec-kit/ticketbot/internal/timer"
	"github.com/spec-kit/ticketbot/internal/worker"
)

// chatPlatform is everything the lifecycle needs from the chat backend.
type chatPlatform interface {
	platform.ChannelProvisioner
	platform.MessagingGateway
	platform.CapabilityResolver
	platform.AuditSink
	platform.TranscriptSink
}

func main() {
	issueToken := pflag.String("issue-token", "", "print an ops API token for the given chat user id and exit")
	role := pflag.String("role", string(auth.RoleViewer), "role of the issued token (viewer|operator)")
	noHTTP := pflag.Bool("no-http", false, "do not serve the ops API")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *issueToken != "" {
		if err := printToken(cfg.Auth, *issueToken, *role); err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		return
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	pool := pg.PoolHandle()
	if pool != nil && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	registry := selectRegistry(cfg.Tickets.RegistryBackend, pg, redis, logger)
	clk := clock.Real()

	var (
		chat    chatPlatform
		relay   *telegram.Platform
		teleBot *tele.Bot
	)
	if cfg.IsMockMode() {
		mem := memory.New(clk)
		for _, id := range cfg.Telegram.OwnerIDs {
			mem.SetCapabilities(strconv.FormatInt(id, 10), domain.CapabilityOwner)
		}
		chat = mem
		logger.Info("running with the in-memory chat platform", zap.String("env", cfg.App.Env))
	} else {
		client := redis.ClientHandle()
		if client == nil {
			logger.Fatal("redis is required for the telegram relay")
		}
		teleBot, err = tele.NewBot(tele.Settings{
			Token:  cfg.Telegram.Token,
			Poller: &tele.LongPoller{Timeout: time.Duration(cfg.Telegram.PollTimeoutSecs) * time.Second},
		})
		if err != nil {
			logger.Fatal("failed to create telegram bot", zap.Error(err))
		}
		relay = telegram.New(teleBot, telegram.Options{
			StaffChatID: cfg.Telegram.StaffChatID,
			LogChatID:   cfg.Telegram.LogChatID,
			OwnerIDs:    cfg.Telegram.OwnerIDs,
		}, repository.NewRedisMessageLog(client), repository.NewRedisMemberRepository(client), clk, logger)
		chat = relay
	}

	var (
		auditRepo      repository.AuditRepository
		transcriptRepo repository.TranscriptRepository
	)
	auditSinks := []platform.AuditSink{platform.NewLogSink(logger), chat}
	transcriptSinks := []platform.TranscriptSink{platform.NewLogSink(logger), chat}
	if pool != nil {
		auditRepo = repository.NewAuditRepository(pool)
		transcriptRepo = repository.NewTranscriptRepository(pool)
		auditSinks = append(auditSinks, platform.NewRepositoryAuditSink(auditRepo))
		transcriptSinks = append(transcriptSinks, platform.NewRepositoryTranscriptSink(transcriptRepo))
	}

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	worker.StartAuditWorker(service.NewAuditService(dispatcher, metrics, logger, auditSinks...))

	lifecycle := service.NewLifecycleService(service.LifecycleDependencies{
		Store:        store.New(registry, logger),
		Timers:       timer.NewManager(clk, logger, cfg.Tickets.ClaimRetention()),
		Confirm:      confirm.New(clk, cfg.Tickets.ConfirmTimeout(), logger),
		Transcripts:  service.NewTranscriptService(chat, clk, logger, transcriptSinks...),
		Provisioner:  chat,
		Messages:     chat,
		Capabilities: chat,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		Clock:        clk,
		Logger:       logger,
		Config:       cfg.Tickets,
	})

	restored, err := lifecycle.Restore(ctx)
	if err != nil {
		logger.Fatal("failed to restore tickets", zap.Error(err))
	}
	logger.Info("tickets restored",
		zap.Int("loaded", len(restored.Loaded)),
		zap.Int("dropped", len(restored.Dropped)),
		zap.Bool("corrupt", restored.Corrupt))

	var app *fiber.App
	if !*noHTTP {
		app = fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
		httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
		httptransport.RegisterRoutes(app, httptransport.RouteConfig{
			Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
			Tickets:        handlers.NewTicketsHandler(lifecycle, transcriptRepo, auditRepo),
			AuthMiddleware: auth.NewAuthMiddleware(auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)),
		})

		go func() {
			if err := app.Listen(cfg.App.Addr()); err != nil {
				logger.Fatal("fiber listen", zap.Error(err))
			}
		}()
	}

	if teleBot != nil {
		bot.New(lifecycle, relay, cfg.Tickets, cfg.App.RequestTimeout(), logger).Register(teleBot)
		go teleBot.Start()
		logger.Info("telegram bot started", zap.Int64("staff_chat_id", cfg.Telegram.StaffChatID))
	}

	waitForShutdown(logger)

	if teleBot != nil {
		teleBot.Stop()
	}
	if app != nil {
		_ = app.Shutdown()
	}
	lifecycle.Shutdown()
}

func selectRegistry(backend string, pg *persistence.Postgres, redis *persistence.Redis, logger *zap.Logger) repository.TicketRegistry {
	switch backend {
	case "postgres":
		if pool := pg.PoolHandle(); pool != nil {
			return repository.NewPostgresTicketRegistry(pool)
		}
	case "redis":
		if client := redis.ClientHandle(); client != nil {
			return repository.NewRedisTicketRegistry(client)
		}
	case "memory":
		return repository.NewMemoryTicketRegistry()
	}
	logger.Warn("ticket registry backend unavailable, tickets will not survive a restart",
		zap.String("backend", backend))
	return repository.NewMemoryTicketRegistry()
}

func printToken(cfg config.AuthConfig, subject, rawRole string) error {
	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return err
	}
	token, expiresAt, err := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes).GenerateToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
