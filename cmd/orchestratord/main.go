// Command orchestratord is the execution orchestrator's server entrypoint.
// It wires the collaborator graph described in spec.md and serves the thin
// internal/transport HTTP adapter over it, following cmd/main.go's staged
// startup: a bootstrap router answers /health immediately while the
// database, sandbox driver, and reconciliation sweep finish, then the real
// router is swapped in atomically.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"apex-orchestrator/internal/abuse"
	"apex-orchestrator/internal/admitter"
	"apex-orchestrator/internal/auth"
	"apex-orchestrator/internal/blobsync"
	"apex-orchestrator/internal/catalogue"
	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/metrics"
	"apex-orchestrator/internal/middleware"
	"apex-orchestrator/internal/orchestrator"
	"apex-orchestrator/internal/pushbus"
	"apex-orchestrator/internal/sampler"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store/blobstore"
	"apex-orchestrator/internal/store/gormstore"
	"apex-orchestrator/internal/transport"
)

func main() {
	log.Println("Starting apex-orchestrator: execution orchestrator")

	if err := godotenv.Load(); err != nil {
		log.Println("WARNING: No .env file found, using environment variables")
	}

	port := envOr("PORT", "8080")

	var startupReady atomic.Bool
	var activeRouter atomic.Value // stores *gin.Engine

	bootstrapRouter := gin.New()
	bootstrapRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": startupReady.Load()})
	})
	bootstrapRouter.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server starting", "ready": startupReady.Load()})
	})
	activeRouter.Store(bootstrapRouter)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Printf("Bootstrap HTTP listener started on port %s (health endpoint ready immediately)", port)

	db, err := gormstore.Open(gormstore.Config{
		Driver: envOr("DB_DRIVER", "postgres"),
		DSN:    os.Getenv("DATABASE_URL"),
	})
	if err != nil {
		log.Fatalf("CRITICAL: failed to connect to database: %v", err)
	}

	profiles := gormstore.NewProfileStore(db)
	projects := gormstore.NewProjectStore(db)
	executions := gormstore.NewExecutionRecordStore(db)
	settings := gormstore.NewSettingsStore(db)
	auditStore := gormstore.NewAuditStore(db)

	driver, err := sandbox.NewDockerDriver(sandbox.DefaultConfig())
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize sandbox driver: %v", err)
	}

	cat := catalogue.New()

	var counter admitter.ConcurrencyCounter
	var alertGate abuse.AlertGate
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("CRITICAL: invalid REDIS_URL: %v", err)
		}
		redisClient := goredis.NewClient(opts)
		counter = &admitter.RedisCounter{Client: redisClient}
		alertGate = abuse.NewRedisAlertGate(redisClient)
		log.Println("Admission concurrency counter and abuse alert gate backed by Redis")
	} else {
		log.Println("WARNING: REDIS_URL not set, admission concurrency is not counted and abuse alerting is disabled")
	}

	adm := admitter.New(counter, profiles, projects, executions, settings, cat, admitter.DefaultConfig())

	var syncer orchestrator.ProjectSyncer
	if bucket := os.Getenv("BLOB_BUCKET"); bucket != "" {
		s3Store, err := blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Bucket:       bucket,
			Region:       envOr("AWS_REGION", "us-east-1"),
			Endpoint:     os.Getenv("BLOB_ENDPOINT"),
			UsePathStyle: os.Getenv("BLOB_PATH_STYLE") == "true",
		})
		if err != nil {
			log.Fatalf("CRITICAL: failed to initialize blob store: %v", err)
		}
		syncer = blobsync.New(s3Store)
	} else {
		log.Println("WARNING: BLOB_BUCKET not set, project materialization uses an in-memory blob store")
		syncer = blobsync.New(blobstore.NewMemStore())
	}

	bus := pushbus.New()
	go bus.Run()

	met := metrics.Get()

	orch := orchestrator.New(driver, cat, adm, syncer, bus, met, profiles, executions, settings, orchestrator.DefaultConfig())

	var feed sampler.AbuseFeed
	if alertGate != nil {
		detector := abuse.New(profiles, executions, settings, auditStore, alertGate)
		orch.SetAbuseEvaluator(detector)
		feed = detector
	}

	samplerLoop := sampler.New(driver, orch, orch, feed, 2*time.Second)
	orch.SetSampler(samplerLoop)

	reconciler := orchestrator.NewReconciler(executions, settings, driver)
	var reconcileUserIDs []uint
	if err := db.Table("execution_records").
		Where("status IN ?", []string{"queued", "preparing", "launching", "running"}).
		Distinct("user_id").Pluck("user_id", &reconcileUserIDs).Error; err != nil {
		logging.S().Warnw("startup reconciliation: failed to list user ids, skipping sweep", "error", err)
	} else if fixed, err := reconciler.Reconcile(context.Background(), reconcileUserIDs); err != nil {
		logging.S().Warnw("startup reconciliation: sweep failed", "error", err)
	} else if fixed > 0 {
		log.Printf("Startup reconciliation marked %d orphaned execution(s) crashed", fixed)
	}

	tokens := auth.NewJWTTokens(mustEnv("JWT_SECRET"), envOr("JWT_ISSUER", "apex-orchestrator"))

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		middleware.AllowedOrigins = strings.Split(origins, ",")
	}
	middleware.InitRateLimiter(envIntOr("RATE_LIMIT_PER_MINUTE", 1000), envIntOr("RATE_LIMIT_BURST", 50))

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Security(),
		middleware.CORS(),
		middleware.RateLimit(),
		middleware.Timeout(30*time.Second),
		middleware.Maintenance(os.Getenv("MAINTENANCE_MODE") == "true", envOr("MAINTENANCE_MESSAGE", "Service temporarily unavailable for maintenance")),
		metrics.PrometheusMiddleware(),
	)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
	})
	router.GET("/metrics", gin.WrapH(metrics.PrometheusHandlerHTTP()))

	api := router.Group("/api/v1")
	api.Use(middleware.RequireAuth(tokens))
	transport.NewHandler(orch, bus).Register(api)

	activeRouter.Store(router)
	startupReady.Store(true)
	log.Printf("Server ready on port %s", port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("CRITICAL: failed to start server: %v", err)
	case sig := <-quit:
		log.Printf("Received signal %v, starting graceful shutdown...", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	bus.Shutdown()
	log.Println("Push bus stopped")

	log.Println("Graceful shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("CRITICAL: required environment variable %s is not set", key)
	}
	return v
}
