package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/auth"
	"github.com/finguard/decision-engine/internal/behavior"
	"github.com/finguard/decision-engine/internal/export"
	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/orchestrator"
	"github.com/finguard/decision-engine/internal/pipeline"
	"github.com/finguard/decision-engine/internal/profile"
	"github.com/finguard/decision-engine/internal/ratelimit"
	"github.com/finguard/decision-engine/internal/secmon"
	"github.com/finguard/decision-engine/internal/session"
	"github.com/finguard/decision-engine/internal/store"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting FinGuard Decision Engine")

	// Database and schema.
	db, err := store.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.InitSchema(initCtx); err != nil {
		initCancel()
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	initCancel()

	eventStore := store.NewEventStore(db)
	sessionStore := store.NewSessionStore(db)
	analystStore := store.NewAnalystStore(db)

	// Session cache is best-effort: without Redis every read goes to
	// the store.
	cache, err := session.NewCache(cfg.Redis.URL, cfg.Redis.SessionCacheTTL)
	if err != nil {
		log.Warn().Err(err).Msg("Session cache unavailable, running without it")
		cache = nil
	} else {
		defer cache.Close()
	}
	sessionMonitor := session.NewMonitor(sessionStore, cache, eventStore)

	// Rate limiter, reseeded from the durable block list.
	defaultTier, err := ratelimit.ParseTier(cfg.Decision.SourceTier)
	if err != nil {
		log.Warn().Err(err).Msg("Unknown default tier, using free")
	}
	limiter := ratelimit.NewLimiter(defaultTier, eventStore)
	reseedBlocked(eventStore, limiter)

	// Decision pipeline.
	rulesDoc := pipeline.DefaultRulesDocument()
	if cfg.Rules.Path != "" {
		rulesDoc, err = pipeline.LoadRulesDocument(cfg.Rules.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load rules configuration")
		}
	}

	profiles := profile.NewRegistry()
	profiles.SeedIPRisk(rulesDoc.IPRisk)
	geo := profile.NewGeo()
	geo.SeedPoints(rulesDoc.GeoPoints)

	artifact, err := pipeline.LoadModelArtifact(cfg.Model.ArtifactPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model artifact")
	}
	calibration, err := pipeline.LoadCalibration(cfg.Model.CalibrationPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load calibration")
	}

	decisionPipeline := pipeline.NewPipeline(
		profiles,
		pipeline.NewFeatureExtractor(profiles, geo),
		pipeline.NewRulesEngine(rulesDoc, geo),
		pipeline.NewModelScorer(artifact, calibration),
		pipeline.NewCombiner(cfg.Policy),
	)

	// Security monitoring and export.
	monitor := secmon.NewMonitor(cfg.Security)
	exporter, err := export.NewExporter(cfg.Export.KafkaBrokers, cfg.Export.Topic)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start security event exporter")
	}
	if exporter != nil {
		defer exporter.Close()
	}

	scorer := behavior.NewScorer(cfg.Session)
	orch := orchestrator.New(limiter, monitor, decisionPipeline, sessionMonitor, scorer, eventStore, exporter, cfg.Decision.Budget, cfg.Decision.QueueSize)

	// Background workers.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go orch.Run(bgCtx)
	go sessionMonitor.RunCleanup(bgCtx, cfg.Session.CleanupInterval, cfg.Session.MaxAge)

	// Analyst auth.
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := auth.NewService(analystStore, jwtManager)
	bootstrapAdmin(authService)

	// Router.
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	setupRoutes(router, cfg, orch, sessionMonitor, eventStore, limiter, monitor, db, jwtManager, authService)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// reseedBlocked replays the durable block list into the limiter so
// blocks survive restarts.
func reseedBlocked(eventStore *store.EventStore, limiter *ratelimit.Limiter) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blocked, err := eventStore.ListBlocked(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reseed blocked sources")
		return
	}
	for _, b := range blocked {
		limiter.Block(b.Source, time.Time{})
	}
	if len(blocked) > 0 {
		log.Info().Int("count", len(blocked)).Msg("Reseeded blocked sources into rate limiter")
	}
}

// bootstrapAdmin creates the initial admin account when configured and
// absent.
func bootstrapAdmin(authService *auth.Service) {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := authService.Register(ctx, email, password, "admin"); err != nil {
		log.Debug().Err(err).Msg("Admin bootstrap skipped")
		return
	}
	log.Info().Str("email", email).Msg("Bootstrapped admin analyst")
}

func setupRoutes(
	router *gin.Engine,
	cfg *configs.Config,
	orch *orchestrator.Orchestrator,
	sessions *session.Monitor,
	eventStore *store.EventStore,
	limiter *ratelimit.Limiter,
	monitor *secmon.Monitor,
	db *store.Database,
	jwtManager *auth.JWTManager,
	authService *auth.Service,
) {
	router.GET("/health", healthHandler(db, orch, monitor))

	v1 := router.Group("/v1")

	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/login", loginHandler(authService))
	}

	v1.POST("/decision", decisionHandler(orch, cfg.Security.TestBypassToken))

	// Analyst surfaces. Authentication is enforced only when
	// AUTH_REQUIRED is set; the security-test surface runs tokenless.
	analyst := v1.Group("")
	analyst.Use(auth.Middleware(jwtManager, cfg.JWT.Required))
	analyst.Use(auth.RoleMiddleware(cfg.JWT.Required, models.RoleAnalyst, models.RoleAdmin))

	sessionRoutes := analyst.Group("/sessions")
	{
		sessionRoutes.GET("/active", listActiveSessionsHandler(sessions))
		sessionRoutes.GET("/suspicious", listSuspiciousSessionsHandler(sessions))
		sessionRoutes.GET("/:id", getSessionHandler(sessions))
		sessionRoutes.GET("/:id/risk", getSessionRiskHandler(sessions))
		sessionRoutes.GET("/:id/events", sessionEventsHandler(sessions))
		sessionRoutes.POST("/:id/terminate", terminateSessionHandler(sessions))
	}

	securityRoutes := analyst.Group("/security")
	{
		securityRoutes.GET("/events", listEventsHandler(eventStore))
		securityRoutes.GET("/events/review-queue", reviewQueueHandler(eventStore))
		securityRoutes.POST("/events/review-queue/clear", clearReviewQueueHandler(eventStore))
		securityRoutes.POST("/events/:id/review", reviewEventHandler(eventStore))
		securityRoutes.GET("/dashboard", dashboardHandler(eventStore))
		securityRoutes.GET("/sources/blocked", listBlockedHandler(eventStore))
		securityRoutes.GET("/sources/:id/risk", sourceRiskHandler(eventStore))
		securityRoutes.POST("/sources/:id/unblock", observeConfigChange(orch), unblockSourceHandler(eventStore, limiter))
		securityRoutes.POST("/sources/:id/reset", observeConfigChange(orch), resetSourceHandler(limiter))
		securityRoutes.GET("/rate-limits/:id", rateLimitStatusHandler(limiter))
		securityRoutes.POST("/rate-limits/:id/tier", observeConfigChange(orch), setTierHandler(limiter))
		securityRoutes.GET("/audit-trail", auditTrailHandler(eventStore))
		securityRoutes.GET("/health", healthHandler(db, orch, monitor))
	}
}

// Middleware

// observeConfigChange feeds config-mutating requests into the security
// monitor after the handler succeeds.
func observeConfigChange(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		env := envelopeFrom(c)
		env.ConfigChange = true
		orch.ObserveRequest(c.Request.Context(), env)
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Source-ID, X-Auth-Result, X-Records-Accessed, X-Access-Time, X-Endpoint-Type, X-Security-Test")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
