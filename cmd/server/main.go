// Package main provides the entry point for the HLS authenticating reverse
// proxy. It initializes all dependencies, sets up HTTP routes with
// middleware, and starts the server with graceful shutdown support.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/accesslog"
	"github.com/streamguard/hls-auth-proxy/internal/authpipeline"
	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/handlers"
	"github.com/streamguard/hls-auth-proxy/internal/m3u8counter"
	"github.com/streamguard/hls-auth-proxy/internal/middleware"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
	"github.com/streamguard/hls-auth-proxy/internal/session"
	"github.com/streamguard/hls-auth-proxy/internal/tokenauth"
	"github.com/streamguard/hls-auth-proxy/internal/trafficengine"
	"github.com/streamguard/hls-auth-proxy/internal/transfer"
	"github.com/streamguard/hls-auth-proxy/internal/transport"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
	"github.com/streamguard/hls-auth-proxy/pkg/logger"
)

func main() {
	goEnv := os.Getenv("GO_ENV")
	if goEnv == "" || goEnv == "development" {
		if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: error loading .env.local: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	log.WithFields(logrus.Fields{
		"port":         cfg.Server.Port,
		"host":         cfg.Server.Host,
		"backend_mode": cfg.Backend.Mode,
		"tls":          cfg.IsTLSEnabled(),
	}).Info("starting hls auth proxy")

	if cfg.Test.AnyEnabled() {
		log.Warn("one or more test bypass flags are enabled; this build must not run in production")
	}

	redisClient, usingFallback := connectRedis(cfg, log)
	var fallback *redisx.MemoryStore
	if usingFallback {
		fallback = redisx.NewMemoryStore(log)
		defer fallback.Stop()
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("error closing redis connection")
			}
		}()
	}

	deps := buildDeps(cfg, log, redisClient, fallback)
	metrics := handlers.NewMetrics()

	router := buildRouter(cfg, log, redisClient, deps, metrics)

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	trafficCtx, cancelTraffic := context.WithCancel(context.Background())
	go deps.Traffic.Run(trafficCtx)

	runServer(server, cfg, log)
	cancelTraffic()
}

// connectRedis attempts to connect to Redis, returning (nil, true) if it
// should fall back to the in-memory store instead of failing startup.
func connectRedis(cfg *config.Config, log *logrus.Logger) (*redisx.Client, bool) {
	client, err := redisx.NewClient(&cfg.Redis, log)
	if err != nil {
		log.WithError(err).Warn("failed to connect to redis, falling back to in-memory store")
		log.Warn("in-memory fallback does not persist whitelist/session state across restarts")
		return nil, true
	}
	return client, false
}

func buildDeps(cfg *config.Config, log *logrus.Logger, redisClient *redisx.Client, fallback *redisx.MemoryStore) handlers.Deps {
	sessions := session.NewStore(redisClient, fallback, cfg.Auth.SessionTTL)
	wl := whitelist.NewStore(redisClient, fallback, cfg.Auth.IPAccessTTL, cfg.Auth.MaxPathsPerEntry, cfg.Auth.MaxUAIPPairsPerUID)
	counter := m3u8counter.NewCounter(redisClient, cfg.M3U8)
	verifier := tokenauth.NewVerifier(cfg.Auth.SecretKey)
	pipeline := authpipeline.New(cfg, verifier, sessions, wl, counter, log)

	origin, err := transport.NewOrigin(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to construct backend origin")
	}

	workerID := fmt.Sprintf("worker_%d_%d", os.Getpid(), time.Now().Unix())
	traffic := trafficengine.New(cfg.Traffic, log, workerID)

	return handlers.Deps{
		Config:    cfg,
		Logger:    log,
		Redis:     redisClient,
		Pipeline:  pipeline,
		Sessions:  sessions,
		Whitelist: wl,
		Origin:    origin,
		Transfers: transfer.NewRegistry(),
		Traffic:   traffic,
		AccessLog: accesslog.New(redisClient),
		StartedAt: time.Now(),
	}
}

func buildRouter(cfg *config.Config, log *logrus.Logger, redisClient *redisx.Client, deps handlers.Deps, metrics *handlers.Metrics) http.Handler {
	mwStack := middleware.NewStack(cfg, redisClient, log)

	router := mux.NewRouter()

	healthHandler := handlers.NewHealthHandler(deps, metrics)
	healthHandler.RegisterRoutes(router)

	adminRouter := router.PathPrefix("/").Subrouter()
	adminRouter.Use(mwStack.AdminAuth)
	adminHandler := handlers.NewAdminHandler(deps)
	adminHandler.RegisterRoutes(adminRouter)

	proxyHandler := handlers.NewProxyHandler(deps, metrics)
	proxyHandler.RegisterRoutes(router)

	return mwStack.Chain(
		router,
		mwStack.Recovery,
		mwStack.RequestLogger,
		mwStack.CORS,
	)
}

func runServer(server *http.Server, cfg *config.Config, log *logrus.Logger) {
	go func() {
		log.WithFields(logrus.Fields{"addr": server.Addr, "tls": cfg.IsTLSEnabled()}).Info("listening")
		var err error
		if cfg.IsTLSEnabled() {
			err = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	} else {
		log.Info("server exited gracefully")
	}
}
