package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vishnenko/ringline/internal/callsession"
	"github.com/vishnenko/ringline/internal/config"
	"github.com/vishnenko/ringline/internal/handlers"
	"github.com/vishnenko/ringline/internal/history"
	"github.com/vishnenko/ringline/internal/notify"
	"github.com/vishnenko/ringline/internal/roster"
	"github.com/vishnenko/ringline/internal/signaling"
	"github.com/vishnenko/ringline/internal/token"
)

const AppVersion = "1.0.0"

const (
	startTimeout    = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info(fmt.Sprintf("Ringline v%s", AppVersion), "user_id", cfg.UserID)

	if cfg.UserID == "" {
		logger.Error("USER_ID is required")
		return
	}

	hist, err := history.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open call history database", "path", cfg.DBPath, "error", err)
		return
	}

	push, err := notify.NewWebPush(hist.DB(), cfg.VAPIDKeys, cfg.UserID, logger)
	if err != nil {
		logger.Error("failed to initialize push notifications", "error", err)
		return
	}

	client := signaling.New(cfg.SignalingURL, logger)
	manager := callsession.New(callsession.Config{
		UserID:      cfg.UserID,
		RingTimeout: cfg.RingTimeout(),
		Logger:      logger,
	}, callsession.Deps{
		Signaling: client,
		Tokens:    tokenProvider(cfg, logger),
		Roster:    roster.NewResolver(cfg.ChatBackendURL, cfg.ChatAuthToken),
		Notifier:  notify.Multi{notify.Log{Logger: logger}, push},
		History:   hist,
	})
	client.SetReconnectHandler(func() {
		manager.Resync(context.Background())
	})

	hub := handlers.NewHub()
	manager.OnChange(func(s callsession.Snapshot) {
		hub.Broadcast(handlers.StateMessage(s))
	})

	if cfg.CallingEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		// Start failure is not fatal: the rest of the API keeps working and
		// every call action reports calling as unavailable.
		if err := manager.Start(ctx); err != nil {
			logger.Error("call session manager failed to start", "error", err)
		}
		cancel()
	} else {
		logger.Warn("calling disabled: SIGNALING_API_KEY and SIGNALING_SECRET are not configured")
	}

	h := handlers.New(cfg, manager, hist, push, hub, logger)
	router := setupRouter(h, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.New(&slogLineWriter{logger: logger, level: slog.LevelWarn}, "", 0),
	}

	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.Shutdown(ctx)
	hub.Close()
	_ = client.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}

// tokenProvider returns nil when signaling credentials are absent; the
// manager then never starts and keeps reporting calling as unavailable.
func tokenProvider(cfg *config.Config, logger *slog.Logger) callsession.TokenProvider {
	if !cfg.CallingEnabled() {
		return nil
	}
	provider, err := token.NewProvider(cfg.SignalingAPIKey, cfg.SignalingSecret)
	if err != nil {
		logger.Error("invalid signaling credentials", "error", err)
		return nil
	}
	return provider
}

func setupRouter(h *handlers.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	// CORS for the UI during development; the API itself binds locally.
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	h.RegisterRoutes(router)
	return router
}
