package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vishnenko/ringline/internal/notify"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.push.Subscribe(userID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		h.logger.Error("failed to store push subscription", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.push.Unsubscribe(userID, req.Endpoint)
	if errors.Is(err, notify.ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}
