package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/telecare/session-api/internal/config"
	healthHandler "github.com/telecare/session-api/internal/handler/health"
	notificationHandler "github.com/telecare/session-api/internal/handler/notification"
	sessionHandler "github.com/telecare/session-api/internal/handler/session"
	wsHandler "github.com/telecare/session-api/internal/handler/ws"
	"github.com/telecare/session-api/internal/middleware"
	"github.com/telecare/session-api/internal/realtime"
	"github.com/telecare/session-api/internal/repository/postgres"
	"github.com/telecare/session-api/internal/router"
	notificationService "github.com/telecare/session-api/internal/service/notification"
	sessionService "github.com/telecare/session-api/internal/service/session"
	"github.com/telecare/session-api/pkg/auth"
	"github.com/telecare/session-api/pkg/email"
	"github.com/telecare/session-api/pkg/logger"
	"github.com/telecare/session-api/pkg/metrics"
	"github.com/telecare/session-api/pkg/messaging/redis"
	"github.com/telecare/session-api/pkg/push"
	"github.com/telecare/session-api/pkg/rtc"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid Redis URL")
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	// Repositories
	appointmentRepo := postgres.NewAppointmentRepository(db)
	callStateRepo := postgres.NewCallStateRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)
	issueRepo := postgres.NewIssueReportRepository(db)
	contactRepo := postgres.NewContactRepository(db)

	// Presence registry, fanned out across instances via redis pub/sub.
	registry := realtime.NewDistributedRegistry(realtime.NewRegistry(), broker, &log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if starter, ok := registry.(realtime.Starter); ok {
		if err := starter.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start registry consumer")
		}
	}

	issuer, err := rtc.NewIssuer(cfg.RTC.TokenSecret, cfg.RTC.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential issuer")
	}

	emailSvc := email.Noop()
	if cfg.Email.Enabled {
		emailSvc = email.NewService(email.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		})
	}

	pushProvider := push.NewProvider(push.Config{
		Endpoint:  cfg.Push.Endpoint,
		ServerKey: cfg.Push.ServerKey,
		Timeout:   cfg.Push.Timeout,
	})

	appMetrics := metrics.NewMetrics("telecare", "session_api")

	// Services
	notificationSvc := notificationService.NewService(
		notificationRepo, contactRepo, registry, pushProvider, emailSvc,
		appMetrics, cfg.Notification.DedupWindow,
	)
	sessionSvc := sessionService.NewService(
		callStateRepo, appointmentRepo, issueRepo, notificationSvc,
		registry, issuer, appMetrics,
		sessionService.Config{
			JoinLead:         cfg.Call.JoinLead,
			Grace:            cfg.Call.Grace,
			MinViableCall:    cfg.Call.MinViableCall,
			HeartbeatTimeout: cfg.Call.HeartbeatTimeout,
		},
	)

	jwtSvc := auth.NewJWTService(cfg.JWT.Secret)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc)

	// Handlers
	healthH := healthHandler.NewHandler(db, redisClient)
	sessionH := sessionHandler.NewHandler(sessionSvc)
	notificationH := notificationHandler.NewHandler(notificationSvc)
	wsH := wsHandler.NewHandler(registry, sessionSvc, cfg.Server.AllowedOrigins)

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	}

	r := router.NewRouter(authMiddleware, healthH, sessionH, notificationH, wsH, router.RouterConfig{
		RateLimit:     rate.Limit(100),
		RateBurst:     200,
		CORSConfig:    corsConfig,
		MetricsPrefix: "session_api",
	})
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
