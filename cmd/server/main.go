package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"phatnguoi-service/internal/captcha"
	"phatnguoi-service/internal/config"
	"phatnguoi-service/internal/csgt"
	"phatnguoi-service/internal/db"
	httphandler "phatnguoi-service/internal/http"
	"phatnguoi-service/internal/lookup"
	"phatnguoi-service/internal/notify"
	"phatnguoi-service/internal/ratelimit"
	"phatnguoi-service/internal/repository"
	"phatnguoi-service/internal/scheduler"
	"phatnguoi-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	conn, err := db.Open(cfg.Database.DSN, cfg.Database.Verbose)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	repo := repository.NewLookupRepository(conn)

	// Captcha recognizer: one method per deployment, never a chain.
	var recognizer captcha.Recognizer
	switch cfg.Captcha.Method {
	case "service":
		recognizer = captcha.NewSolvingServiceClient(cfg.Captcha.ServiceEndpoint, cfg.Captcha.ServiceAPIKey)
	default:
		recognizer = captcha.NewOCRClient(cfg.Captcha.OCREndpoint)
	}
	pool := captcha.NewPool(recognizer, cfg.Captcha.PoolSize)
	solver := captcha.NewSolver(pool, log)

	factory := func() lookup.SessionClient {
		return csgt.NewClient(log,
			csgt.WithBaseURL(cfg.Site.BaseURL),
			csgt.WithTimeout(cfg.Site.Timeout),
		)
	}
	pipeline := lookup.NewPipeline(factory, solver, log).
		WithRetryPolicy(cfg.Lookup.MaxRetries, cfg.Lookup.BaseDelay)

	var notifier service.Notifier = notify.NopNotifier{}
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegramNotifier(cfg.Telegram.BotToken, repo.GetUserChatID, log)
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Scheduler.Timezone).Msg("invalid scheduler timezone")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Scheduler.CronSpec)
	if err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Scheduler.CronSpec).Msg("invalid cron spec")
	}
	nextRun := func(now time.Time) time.Time { return schedule.Next(now.In(loc)) }

	svc := service.NewLookupService(pipeline, repo, nextRun, notifier, log)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(svc, cfg.Scheduler.CronSpec, loc, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build scheduler")
		}
		sched.WithInterJobDelay(cfg.Scheduler.InterJobDelay)
		sched.Start()
	}

	var bucket *ratelimit.TokenBucket
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bucket = ratelimit.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, time.Hour)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	handler := httphandler.NewHandler(svc, cfg, log)
	handler.Register(router,
		httphandler.JWTAuth(cfg.Auth.JWTSecret),
		httphandler.RateLimit(bucket, log),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	// Stop scheduling new batches; let in-flight lookups finish.
	if sched != nil {
		<-sched.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("stopped")
}
