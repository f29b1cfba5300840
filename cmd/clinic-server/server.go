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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/config"
	"github.com/hivcare/clinic/internal/domain/scheduling"
	"github.com/hivcare/clinic/internal/platform/auth"
	"github.com/hivcare/clinic/internal/platform/middleware"
	"github.com/hivcare/clinic/internal/platform/notification"
	"github.com/hivcare/clinic/internal/platform/webhook"
	"github.com/hivcare/clinic/internal/platform/websocket"
)

const version = "0.1.0"

func runServer(autoMigrate bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger, autoMigrate)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer be.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	hub := websocket.NewHub(logger)
	sink, err := newSink(cfg, logger, hub)
	if err != nil {
		return err
	}

	svc := scheduling.NewService(be.store, schedulingConfig(cfg), sink, logger)
	e := newServer(cfg, svc, hub, be.health, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Let queued notifications finish before the store closes.
	svc.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

func schedulingConfig(cfg *config.Config) scheduling.Config {
	sc := scheduling.DefaultConfig()
	sc.DefaultSlotDuration = cfg.SlotDuration()
	sc.DefaultPageSize = cfg.DefaultPageSize
	sc.MaxPageSize = cfg.MaxPageSize
	sc.MaxAvailabilityDays = cfg.MaxAvailabilityDays
	sc.Location = cfg.Location()
	sc.NotifyTimeout = cfg.NotifyTimeout
	return sc
}

// newSink always logs events and feeds the extra sinks. Telegram and webhook
// delivery are added when configured.
func newSink(cfg *config.Config, logger zerolog.Logger, extra ...notification.Sink) (notification.Sink, error) {
	sinks := append(notification.Multi{notification.NewLogSink(logger)}, extra...)
	if cfg.TelegramEnabled() {
		tg, err := notification.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
		logger.Info().Int64("chat_id", cfg.TelegramChatID).Msg("telegram notifications enabled")
	}
	if len(cfg.WebhookURLs) > 0 {
		wh, err := webhook.NewSink(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("webhook notifications enabled")
	}
	return sinks, nil
}

func newServer(cfg *config.Config, svc *scheduling.Service, hub *websocket.Hub, dbHealth echo.HandlerFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", dbHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMiddleware(cfg, logger))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	apiV1.GET("/events", websocket.NewHandler(hub, cfg.CORSOrigins).Connect, auth.RequireRole(auth.RoleDoctor, auth.RoleStaff))
	return e
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development auth active: unauthenticated requests are granted admin")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}
