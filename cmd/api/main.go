package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/config"
	"call-orchestrator/internal/httpapi"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/surface"
	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	store, err := openStorage(rootCtx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	sig, err := openSignaling(rootCtx, cfg, log)
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}
	defer sig.Close()

	engine := media.NewBuilder()
	registry := surface.NewRegistry(surface.Options{
		Clients:        sig.Clients,
		Builder:        engine,
		Leases:         store.Leases,
		LeaseTTL:       cfg.Call.LeaseTTL,
		Owner:          processOwner(),
		GracePeriod:    cfg.Call.GracePeriod,
		RequestTimeout: cfg.Call.RequestTimeout,
		EventBuffer:    cfg.Call.EventBuffer,
		Audit:          store.Audit,
		Recorder:       store.History,
		Logger:         log,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	httpapi.Register(r, httpapi.Handlers{
		Auth:     authManager,
		Surfaces: registry,
		Engine:   engine,
		History:  store.History,
		Groups:   sig.Groups,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Call streams are long-lived; the websocket handler sets its own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env,
			"postgres", cfg.HasPostgres(), "redis", cfg.HasRedis(), "mqtt_role", cfg.MQTT.Role)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Unregisters every scope listener before the signaling transport goes away.
	registry.Shutdown()
	log.Info("shutdown complete")
}
