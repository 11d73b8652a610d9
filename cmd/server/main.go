package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/inkwell-news/inkwell/internal/api"
	"github.com/inkwell-news/inkwell/internal/config"
	"github.com/inkwell-news/inkwell/internal/database"
	"github.com/inkwell-news/inkwell/internal/delivery"
	"github.com/inkwell-news/inkwell/internal/digest"
	"github.com/inkwell-news/inkwell/internal/events"
	"github.com/inkwell-news/inkwell/internal/health"
	"github.com/inkwell-news/inkwell/internal/news"
	"github.com/inkwell-news/inkwell/internal/pipeline"
	"github.com/inkwell-news/inkwell/internal/prefs"
	"github.com/inkwell-news/inkwell/internal/schedule"
	"github.com/inkwell-news/inkwell/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments configure the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	cfg := config.Load()
	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// Missing email credentials are an operator problem; fail fast instead
	// of failing every cycle at the delivery step.
	deliveryCfg := cfg.Delivery()
	if err := deliveryCfg.Validate(); err != nil {
		log.Fatalf("email transport configuration invalid: %v", err)
	}

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	if cfg.Env == "development" {
		if err := database.SeedDevData(db); err != nil {
			log.Printf("failed to seed dev data: %v", err)
		}
	}

	queue, err := worker.NewAsynqQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to create task queue: %v", err)
	}
	defer queue.Close()

	state, err := schedule.NewRedisStateStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to create schedule state store: %v", err)
	}
	defer state.Close()

	publisher, err := events.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	store := prefs.NewGormStore(db)
	engine := schedule.NewEngine(queue, state, store, publisher, logger)

	pipe := pipeline.New(
		logger,
		store,
		news.NewAggregator(news.NewNewsAPIClient(cfg.NewsAPIKey, cfg.NewsAPIBaseURL), logger),
		digest.NewComposer(digest.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)),
		delivery.NewEmailJSSender(deliveryCfg, cfg.EmailJSBaseURL),
		engine,
		pipeline.NewGormLedger(db),
		pipeline.NewGormRecorder(db),
	)

	stopWorker, err := worker.Start(cfg.RedisURL, logger, pipe, db, engine)
	if err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}
	defer stopWorker()

	stopScheduler, err := worker.StartScheduler(cfg.RedisURL, cfg.ReconcileSchedule, cfg.ReconcileTimezone, logger)
	if err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer stopScheduler()

	stopConsumer, err := events.Start(cfg.RedisURL, "schedule-worker-1", logger, engine)
	if err != nil {
		log.Fatalf("failed to start event consumer: %v", err)
	}
	defer stopConsumer()

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", gin.WrapF(health.Handler))
	api.RegisterRoutes(router, store, engine, publisher, db)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	srv.Close()
}
