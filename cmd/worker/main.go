package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/telecare/session-api/internal/realtime"
	"github.com/telecare/session-api/internal/repository/postgres"
	notificationService "github.com/telecare/session-api/internal/service/notification"
	sessionService "github.com/telecare/session-api/internal/service/session"
	"github.com/telecare/session-api/internal/worker"
	"github.com/telecare/session-api/pkg/email"
	"github.com/telecare/session-api/pkg/logger"
	"github.com/telecare/session-api/pkg/metrics"
	"github.com/telecare/session-api/pkg/messaging/redis"
	"github.com/telecare/session-api/pkg/push"
	"github.com/telecare/session-api/pkg/rtc"
)

// workerConfig is read from the environment; the scheduler binary runs in
// places where mounting a config file is awkward.
type workerConfig struct {
	DatabaseURL      string        `envconfig:"DATABASE_URL" required:"true"`
	RedisURL         string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RTCTokenSecret   string        `envconfig:"RTC_TOKEN_SECRET" required:"true"`
	RTCTokenTTL      time.Duration `envconfig:"RTC_TOKEN_TTL" default:"1h"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	ReminderLead     time.Duration `envconfig:"REMINDER_LEAD" default:"15m"`
	WarningThreshold time.Duration `envconfig:"WARNING_THRESHOLD" default:"5m"`
	JoinLead         time.Duration `envconfig:"JOIN_LEAD" default:"5m"`
	Grace            time.Duration `envconfig:"GRACE" default:"10m"`
	MinViableCall    time.Duration `envconfig:"MIN_VIABLE_CALL" default:"30s"`
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"90s"`
	DedupWindow      time.Duration `envconfig:"DEDUP_WINDOW" default:"1m"`
	PushEndpoint     string        `envconfig:"PUSH_ENDPOINT"`
	PushServerKey    string        `envconfig:"PUSH_SERVER_KEY"`
	SMTPHost         string        `envconfig:"SMTP_HOST"`
	SMTPPort         int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername     string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword     string        `envconfig:"SMTP_PASSWORD"`
	EmailFrom        string        `envconfig:"EMAIL_FROM"`
	HealthAddr       string        `envconfig:"HEALTH_ADDR" default:":8081"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	var cfg workerConfig
	if err := envconfig.Process("scheduler", &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Setup(cfg.LogLevel, false)

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	broker, err := redis.NewRedisBroker(redis.Config{URL: cfg.RedisURL}, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Redis broker")
	}
	defer broker.Close()

	appointmentRepo := postgres.NewAppointmentRepository(db)
	callStateRepo := postgres.NewCallStateRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)
	issueRepo := postgres.NewIssueReportRepository(db)
	contactRepo := postgres.NewContactRepository(db)

	// The worker holds no websocket connections itself; its registry exists
	// to relay events to the API instances over redis.
	registry := realtime.NewDistributedRegistry(realtime.NewRegistry(), broker, &log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if starter, ok := registry.(realtime.Starter); ok {
		if err := starter.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start registry consumer")
		}
	}

	issuer, err := rtc.NewIssuer(cfg.RTCTokenSecret, cfg.RTCTokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential issuer")
	}

	emailSvc := email.Noop()
	if cfg.SMTPHost != "" {
		emailSvc = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
	}

	pushProvider := push.NewProvider(push.Config{
		Endpoint:  cfg.PushEndpoint,
		ServerKey: cfg.PushServerKey,
	})

	appMetrics := metrics.NewMetrics("telecare", "session_scheduler")

	notificationSvc := notificationService.NewService(
		notificationRepo, contactRepo, registry, pushProvider, emailSvc,
		appMetrics, cfg.DedupWindow,
	)
	sessionSvc := sessionService.NewService(
		callStateRepo, appointmentRepo, issueRepo, notificationSvc,
		registry, issuer, appMetrics,
		sessionService.Config{
			JoinLead:         cfg.JoinLead,
			Grace:            cfg.Grace,
			MinViableCall:    cfg.MinViableCall,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		},
	)

	scheduler := worker.NewScheduler(callStateRepo, sessionSvc, notificationSvc, appMetrics,
		worker.SchedulerConfig{
			SweepInterval:    cfg.SweepInterval,
			ReminderLead:     cfg.ReminderLead,
			WarningThreshold: cfg.WarningThreshold,
			Grace:            cfg.Grace,
		})

	setupHealthCheck(cfg.HealthAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	log.Info().Dur("sweep_interval", cfg.SweepInterval).Msg("Scheduler started")
	scheduler.Start(ctx)
}

func setupHealthCheck(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Health check server failed")
			os.Exit(1)
		}
	}()
}
