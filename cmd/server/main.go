package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/bazaar/api/internal/client"
	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/handler"
	"github.com/bazaar/api/internal/middleware"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
	"github.com/bazaar/api/internal/service"
	"github.com/bazaar/api/internal/store"
	ws "github.com/bazaar/api/internal/websocket"
	"github.com/bazaar/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := newLogger(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis not available", zap.Error(err))
	}

	// Initialize Postgres
	pool, err := store.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		zapLogger.Fatal("failed to create db pool", zap.Error(err))
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		zapLogger.Fatal("failed to migrate", zap.Error(err))
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	jobs := queue.NewAsynqQueue(asynqClient, inspector, nil, cfg.Worker.MaxRetry, cfg.Worker.Retention, zapLogger)

	var stripeLimiter *rate.Limiter
	if cfg.Stripe.RequestsPerSecond > 0 {
		stripeLimiter = rate.NewLimiter(rate.Limit(cfg.Stripe.RequestsPerSecond), 1)
	}
	stripeClient := client.NewStripeClient(&cfg.Stripe, stripeLimiter)
	if !stripeClient.IsConfigured() {
		zapLogger.Warn("stripe is not configured, refunds and payouts will fail")
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(zapLogger)
	go hub.Run(ctx)

	// Initialize services
	repo := store.NewRepository()
	commissionService := service.NewCommissionService(pool, repo, jobs, hub, cfg.Commission, zapLogger)

	// Initialize handlers
	commissionHandler := handler.NewCommissionHandler(commissionService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret, time.Duration(cfg.JWT.Expiration)*time.Hour)
	rateLimiter := middleware.NewRateLimiter(redisClient, zapLogger)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok", "redis": "ok", "database": "ok"}
		if err := redisClient.Ping(c.UserContext()).Err(); err != nil {
			status["redis"] = err.Error()
			status["status"] = "degraded"
		}
		if err := pool.Ping(c.UserContext()); err != nil {
			status["database"] = err.Error()
			status["status"] = "degraded"
		}
		return c.JSON(status)
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	commissions := api.Group("/commissions")
	commissions.Get("/:commissionId", commissionHandler.Get)
	commissions.Post("/:commissionId/finalize", rateLimiter.CommissionLimit(cfg.RateLimit.CommissionPerHour), commissionHandler.Finalize)
	commissions.Post("/:commissionId/deposit", rateLimiter.CommissionLimit(cfg.RateLimit.CommissionPerHour), commissionHandler.Deposit)
	commissions.Put("/:commissionId/updates/:updateNum", rateLimiter.UpdateLimit(cfg.RateLimit.UpdatePerHour), commissionHandler.SubmitUpdate)
	commissions.Post("/:commissionId/cancel", rateLimiter.CommissionLimit(cfg.RateLimit.CommissionPerHour), commissionHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/commissions/:commissionId", authMiddleware.Authenticate(), commissionHandler.Subscribe, websocket.New(func(c *websocket.Conn) {
		commissionID, ok := c.Locals("commissionId").(int64)
		if !ok {
			c.Close()
			return
		}
		hub.HandleConnection(c, commissionID)
	}))

	// Start Asynq worker server
	srv := newWorkerServer(cfg, redisOpt, zapLogger)
	mux := newWorkerMux(cfg, pool, repo, jobs, stripeClient, hub, zapLogger)
	if err := srv.Start(mux); err != nil {
		zapLogger.Fatal("failed to start worker server", zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zapLogger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zapLogger.Error("server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zapLogger.Info("server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zapLogger.Error("server error", zap.Error(err))
	}

	srv.Shutdown()
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, zapLogger *zap.Logger) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.Worker.Concurrency,
		Queues:         queue.DefaultPriorities,
		RetryDelayFunc: worker.RetryDelay(cfg.Commission.UpdateRecheck),
		IsFailure:      worker.IsFailure,
		Logger:         zapLogger.Named("asynq").Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried >= maxRetry {
				zapLogger.Error("job exhausted retries",
					zap.String("task", task.Type()),
					zap.ByteString("payload", task.Payload()),
					zap.Error(err),
				)
			}
		}),
	})
}

func newWorkerMux(cfg *config.Config, pool *pgxpool.Pool, repo *store.Repository, jobs queue.JobQueue, payments worker.Payments, hub *ws.Hub, zapLogger *zap.Logger) *asynq.ServeMux {
	paymentWorker := worker.NewPaymentWorker(pool, repo, jobs, hub, cfg.Commission, zapLogger)
	cancelWorker := worker.NewCancelWorker(pool, repo, jobs, payments, hub, cfg.Commission, zapLogger)
	updateWorker := worker.NewUpdateWorker(pool, repo, jobs, hub, cfg.Commission, zapLogger)
	payoutWorker := worker.NewPayoutWorker(pool, repo, payments, hub, cfg.Commission, zapLogger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(model.TaskCheckPayment, paymentWorker.ProcessTask)
	mux.HandleFunc(model.TaskCancel, cancelWorker.ProcessTask)
	mux.HandleFunc(model.TaskCheckUpdate, updateWorker.ProcessTask)
	mux.HandleFunc(model.TaskPayout, payoutWorker.ProcessTask)
	return mux
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
