// Package handlers exposes the local HTTP API the UI talks to: call
// actions, call state, history, push subscriptions and a websocket that
// streams slot changes.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/vishnenko/ringline/internal/callsession"
	"github.com/vishnenko/ringline/internal/config"
	"github.com/vishnenko/ringline/internal/history"
	"github.com/vishnenko/ringline/internal/notify"
	"github.com/vishnenko/ringline/internal/signaling"
)

const sessionTokenTTL = 24 * time.Hour

type Handlers struct {
	config  *config.Config
	manager *callsession.Manager
	history *history.Store
	push    *notify.WebPush
	hub     *Hub
	logger  *slog.Logger

	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
}

func New(cfg *config.Config, manager *callsession.Manager, hist *history.Store, push *notify.WebPush, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		config:  cfg,
		manager: manager,
		history: hist,
		push:    push,
		hub:     hub,
		logger:  logger,
		wsUpgrader: websocket.Upgrader{
			// The API binds to localhost; the UI page origin varies in dev.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		nowFn: time.Now,
	}
}

func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/session", h.CreateSession)
		api.GET("/vapid-public-key", h.GetVAPIDPublicKey)
	}

	protected := api.Group("")
	protected.Use(h.AuthMiddleware())
	{
		protected.GET("/config", h.GetClientConfig)
		protected.GET("/call/state", h.GetCallState)
		protected.GET("/call/transitions", h.GetTransitions)
		protected.POST("/call/start", h.StartCall)
		protected.POST("/call/accept", h.AcceptCall)
		protected.POST("/call/reject", h.RejectCall)
		protected.POST("/call/cancel", h.CancelCall)
		protected.POST("/call/end", h.EndCall)
		protected.GET("/history", h.GetHistory)
		protected.POST("/push/subscribe", h.SubscribePush)
		protected.DELETE("/push/subscribe", h.UnsubscribePush)
	}

	router.GET("/ws", h.AuthMiddleware(), h.HandleWebSocket)
}

// CreateSession issues the JWT the UI uses for the rest of the API. The
// process serves a single local user, so there is no password exchange.
func (h *Handlers) CreateSession(c *gin.Context) {
	now := h.nowFn()
	claims := jwt.MapClaims{
		"user_id": h.config.UserID,
		"iat":     now.Unix(),
		"exp":     now.Add(sessionTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.config.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "user_id": h.config.UserID})
}

func (h *Handlers) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			// The websocket API cannot set headers from the browser.
			tokenString = c.Query("token")
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			return []byte(h.config.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(h.nowFn))
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}
		userID, ok := claims["user_id"].(string)
		if !ok || userID != h.config.UserID {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

// GetClientConfig returns the non-secret settings the UI needs.
func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id":         h.config.UserID,
		"user_name":       h.config.UserName,
		"calling_enabled": h.config.CallingEnabled(),
	})
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.push.PublicKey()})
}

// writeCallError maps session manager errors onto HTTP statuses.
func (h *Handlers) writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, callsession.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "another call is in progress"})
	case errors.Is(err, callsession.ErrNoIncomingCall),
		errors.Is(err, callsession.ErrNoOutgoingCall),
		errors.Is(err, callsession.ErrNoActiveCall):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, callsession.ErrNobodyToRing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "nobody to ring in this conversation"})
	case errors.Is(err, callsession.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "calling is not available"})
	default:
		var be *signaling.BackendError
		if errors.As(err, &be) {
			c.JSON(http.StatusBadGateway, gin.H{"error": be.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
