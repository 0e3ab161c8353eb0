package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/handler"
	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/service"
	"github.com/makeasinger/songgen/internal/store"
	ws "github.com/makeasinger/songgen/internal/websocket"
	"github.com/makeasinger/songgen/internal/worker"
)

// @title          Songgen API
// @version        1.0
// @description    Song generation orchestration: lyrics, music and delivery.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := newLogger(cfg.Server.LogLevel)
	defer log.Sync() //nolint:errcheck

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis backs the job store, tiers, rate limits and asynq
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", zap.Error(err))
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	var jobs store.JobStore
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
		log.Info("using in-memory job store")
		jobs = store.NewMemoryStore()
	default:
		jobs = store.NewRedisStore(redisClient, cfg.Store.TTL)
	}
	tiers := store.NewRedisTierResolver(redisClient)

	realClock := clock.RealClock{}
	lyricsCache := cache.NewLyricsTaskCache(realClock, cfg.LyricsCache.MaxAge)
	go lyricsCache.RunPruner(ctx, cfg.LyricsCache.PruneInterval)

	// Notifications and archive writes share one bounded pool
	pool := service.NewBackgroundPool(cfg.Notify.MaxInFlight, cfg.Notify.Timeout, log)
	hub := ws.NewHub(log)
	go hub.Run(ctx)
	dispatcher := service.NewNotificationDispatcher(hub, pool)

	var archiver *service.CallbackArchiver
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", zap.Error(err))
		} else {
			archiver = service.NewCallbackArchiver(r2Client, pool, realClock, log)
		}
	} else {
		log.Info("R2 storage not configured, callback archive disabled")
	}

	sunoClient := client.NewSunoClient(&cfg.Suno, log)
	if !sunoClient.IsConfigured() {
		log.Warn("suno API key not set, dispatches will fail")
	}

	ingest := service.NewIngestService(jobs, lyricsCache, dispatcher, archiver, realClock, log)
	pollCfg := service.PollConfig{
		Interval:      cfg.Generation.PollInterval,
		LyricsTimeout: cfg.Generation.LyricsTimeout,
		MusicTimeout:  cfg.Generation.MusicTimeout,
	}
	poller := service.NewPoller(jobs, sunoClient, ingest, realClock, pollCfg, log)

	var scheduler service.PollScheduler
	var asynqClient *asynq.Client
	if strings.EqualFold(cfg.Generation.PollMode, "local") {
		log.Info("poll loops run in-process")
		scheduler = service.NewLocalPollScheduler(ctx, poller, log)
	} else {
		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		scheduler = service.NewAsynqPollScheduler(asynqClient, pollCfg)
	}

	admission := service.NewAdmissionController(jobs, tiers, service.AdmissionLimits{
		Standard: cfg.Admission.StandardLimit,
		Elevated: cfg.Admission.ElevatedLimit,
	}, log)

	gen := service.NewGenerationService(service.GenerationDeps{
		Store:           jobs,
		Provider:        sunoClient,
		Admission:       admission,
		Scheduler:       scheduler,
		Ingest:          ingest,
		Cache:           lyricsCache,
		Clock:           realClock,
		CallbackBaseURL: cfg.Suno.CallbackBaseURL,
		Logger:          log,
	})

	// Zitadel JWKS verifier is optional; legacy HMAC tokens remain accepted
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	validate := validator.New()
	songHandler := handler.NewSongHandler(gen, validate, log)
	callbackHandler := handler.NewCallbackHandler(ingest)
	authHandler := handler.NewAuthHandler(authenticator)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"suno":  sunoClient.IsConfigured(),
				"r2":    r2Client != nil,
				"auth":  authenticator.Configured(),
				"store": cfg.Store.Driver,
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// Provider callbacks are unauthenticated and always acknowledged
	callbacks := app.Group("/callbacks/suno")
	callbacks.Post("/lyrics", callbackHandler.Lyrics)
	callbacks.Post("/music", callbackHandler.Music)
	callbacks.Get("/lyrics", callbackHandler.Probe)
	callbacks.Get("/music", callbackHandler.Probe)

	api := app.Group("/api", apiAuthMiddleware)
	dispatchLimit := rateLimiter.DispatchLimit(cfg.RateLimit.DispatchPerMin)

	songs := api.Group("/songs")
	songs.Get("/admission", songHandler.Admission)
	songs.Get("/", songHandler.List)
	songs.Post("/", dispatchLimit, songHandler.Start)
	songs.Get("/:songId", songHandler.Get)
	songs.Post("/:songId/select-lyrics", dispatchLimit, songHandler.SelectLyrics)
	songs.Post("/:songId/retry", dispatchLimit, songHandler.Retry)

	api.Get("/lyrics/tasks/:taskId", songHandler.LyricsTask)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/songs/:songId", apiAuthMiddleware, songHandler.AuthorizeSubscription,
		websocket.New(func(c *websocket.Conn) {
			hub.HandleConnection(c, c.Params("songId"))
		}))

	var workerServer *asynq.Server
	if asynqClient != nil {
		workerServer = newWorkerServer(cfg, redisOpt, log)
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypePoll, worker.NewPollWorker(poller, log).ProcessTask)
		go func() {
			if err := workerServer.Run(mux); err != nil {
				log.Error("asynq worker stopped", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
		if workerServer != nil {
			workerServer.Shutdown()
		}
		stop()
		pool.Wait()
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if strings.EqualFold(level, "debug") {
		log, err = zap.NewDevelopment()
	} else {
		zcfg := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(strings.ToLower(level)); perr == nil {
			zcfg.Level = lvl
		}
		log, err = zcfg.Build()
	}
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return log
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, log *zap.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Generation.WorkerConcurrency,
		Queues: map[string]int{
			service.QueuePoll: 1,
		},
		Logger:   log.Named("asynq").Sugar(),
		LogLevel: asynqLogLevel,
	})
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
