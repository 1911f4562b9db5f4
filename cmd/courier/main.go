package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/courier/internal/api"
	"github.com/example/courier/internal/cache"
	"github.com/example/courier/internal/common"
	"github.com/example/courier/internal/dispatch"
	"github.com/example/courier/internal/guard"
	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
	"github.com/example/courier/internal/reconcile"
	"github.com/example/courier/internal/schedule"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()

	cfg, err := common.LoadConfig("courier")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	var store message.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		store = message.NewPostgresStore(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using volatile in-memory store")
		store = message.NewMemoryStore()
	}

	var statusCache *cache.StatusCache
	if cfg.RedisAddr != "" {
		statusCache = cache.New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.RedisTTL, logger)
	}

	var eventWriter *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		eventWriter = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.EventsTopic,
			Balancer: &kafka.Hash{},
		}
		defer eventWriter.Close()
	}

	h := hub.New(logger)
	events := &hub.Publisher{Hub: h, Writer: eventWriter, Logger: logger}

	dispatcher := &dispatch.Dispatcher{
		Providers: map[message.Channel]provider.Client{
			message.ChannelSMS: &provider.TwilioClient{
				BaseURL:    cfg.ProviderBaseURL,
				AccountSID: cfg.ProviderAccountSID,
				AuthToken:  cfg.ProviderAuthToken,
				From:       cfg.FromPhone,
			},
			message.ChannelWhatsApp: &provider.TwilioClient{
				BaseURL:    cfg.ProviderBaseURL,
				AccountSID: cfg.ProviderAccountSID,
				AuthToken:  cfg.ProviderAuthToken,
				From:       cfg.FromWhatsApp,
				WhatsApp:   true,
			},
			message.ChannelEmail: &provider.SendGridClient{
				Endpoint: cfg.SendGridEndpoint,
				APIKey:   cfg.SendGridAPIKey,
				From:     cfg.FromEmail,
			},
		},
		Timeout: cfg.ProviderTimeout,
		Logger:  logger,
	}

	reconciler := &reconcile.Reconciler{
		Store:  store,
		Secret: cfg.ProviderAuthToken,
		Events: events,
		Logger: logger,
	}

	scheduler := &schedule.Scheduler{
		Store:      store,
		Dispatcher: dispatcher,
		Events:     events,
		Cache:      statusCache,
		Interval:   cfg.SchedulerInterval,
		Logger:     logger,
	}
	go scheduler.Run(ctx)

	limiter := guard.NewLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	go func() {
		ticker := time.NewTicker(cfg.RateLimitWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	}()

	server := &api.Server{
		Store:      store,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Scheduler:  scheduler,
		Hub:        h,
		Events:     events,
		Limiter:    limiter,
		Cache:      statusCache,
		CronToken:  cfg.CronToken,
		PublicURL:  cfg.PublicURL,
		Logger:     logger,
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: server.Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("courier listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
