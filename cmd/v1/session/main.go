package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/admin"
	"github.com/coresignal/sfuplane/internal/v1/auth"
	"github.com/coresignal/sfuplane/internal/v1/bus"
	"github.com/coresignal/sfuplane/internal/v1/config"
	"github.com/coresignal/sfuplane/internal/v1/health"
	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/middleware"
	"github.com/coresignal/sfuplane/internal/v1/ratelimit"
	"github.com/coresignal/sfuplane/internal/v1/recorder"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/coresignal/sfuplane/internal/v1/session"
	"github.com/coresignal/sfuplane/internal/v1/signaling"
	"github.com/coresignal/sfuplane/internal/v1/tracing"
	pkgmediaengine "github.com/coresignal/sfuplane/pkg/mediaengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting sfuplane", zap.String("go_env", cfg.GoEnv))

	if endpoint := os.Getenv("OTEL_COLLECTOR_ADDR"); endpoint != "" {
		tp, err := tracing.InitTracer(ctx, "sfuplane", endpoint)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			os.Exit(1)
		}
	}

	var validator auth.TokenValidator
	switch {
	case !cfg.EnableAuth:
		logging.Warn(ctx, "authentication disabled, using mock validator")
		validator = &auth.MockValidator{}
	default:
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Error(ctx, "failed to initialize token validator", zap.Error(err))
			os.Exit(1)
		}
		validator = v
	}

	var redisClient = busService.Client()
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter", zap.Error(err))
		os.Exit(1)
	}

	engineCfg := pkgmediaengine.Config{
		ListenIPs:  toEngineListenIPs(cfg.SFUListenIPs),
		ICEServers: toWebRTCICEServers(cfg.ICEServers),
	}
	engine, err := pkgmediaengine.NewEngine(engineCfg, func(reason string) {
		logging.Fatal(ctx, "media engine worker died", zap.String("reason", reason))
	})
	if err != nil {
		logging.Error(ctx, "failed to start media engine", zap.Error(err))
		os.Exit(1)
	}
	adapter := mediaengine.NewAdapter(engine)

	clients := registry.NewRegistry()
	rooms := room.NewRegistry(cfg)
	bridge := signaling.NewBridge(clients, rooms, adapter, busService)
	bridge.Start(ctx)

	var rec *recorder.Client
	if cfg.RecorderAPIURL != "" {
		rec = recorder.NewClient(cfg.RecorderAPIURL)
	}

	hub := session.NewHub(cfg, clients, rooms, adapter, bridge, validator, limiter, rec)
	healthHandler := health.NewHandler(busService, adapter)
	adminHandler := admin.NewHandler(rooms, adapter, validator)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sfuplane"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	// The websocket connect limit is enforced inside ServeWs itself
	// (wsIP/wsUser buckets); the global API limit applies to the plain
	// HTTP surface only.
	router.GET("/ws", hub.ServeWs)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", limiter.GlobalMiddleware())
	admin.RegisterRoutes(api, adminHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "http server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if busService != nil {
		_ = busService.Close()
	}
	logging.Info(ctx, "shutdown complete")
}

func toEngineListenIPs(ips []config.ListenIP) []pkgmediaengine.ListenIP {
	out := make([]pkgmediaengine.ListenIP, 0, len(ips))
	for _, ip := range ips {
		out = append(out, pkgmediaengine.ListenIP{IP: ip.IP, AnnouncedIP: ip.AnnouncedIP})
	}
	return out
}

func toWebRTCICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
