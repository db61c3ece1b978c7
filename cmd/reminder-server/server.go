package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/config"
	"github.com/healthportal/reminders/internal/domain/dispatch"
	"github.com/healthportal/reminders/internal/domain/reminder"
	"github.com/healthportal/reminders/internal/platform/auth"
	"github.com/healthportal/reminders/internal/platform/db"
	"github.com/healthportal/reminders/internal/platform/middleware"
)

const version = "0.1.0"

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()

	e := newServer(a)

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	if cfg.SchedulerInterval > 0 {
		logger.Info().Dur("interval", cfg.SchedulerInterval).Msg("starting scheduler")
		go a.engine.Start(schedCtx, cfg.SchedulerInterval)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	schedCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30*time.Second, "/api/v1/dispatch"))

	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.NewPublicRoutes(auth.InfraRoutes...).Skip,
		}))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", a.metrics.Handler())
	if a.pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(a.pool))
	} else {
		e.GET("/health/db", db.HealthHandler(cfg.StoreDriver, a.storeDB, nil))
	}
	if a.rdb != nil {
		rdb := a.rdb
		e.GET("/health/redis", db.HealthHandler("redis", db.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), nil))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	reminder.NewHandler(a.service).RegisterRoutes(apiV1)
	dispatch.NewHandler(a.engine).RegisterRoutes(apiV1)

	return e
}
