package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type startCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	AudioOnly      bool   `json:"audio_only"`
}

func (h *Handlers) GetCallState(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) GetTransitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"transitions": h.manager.Transitions()})
}

func (h *Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.manager.StartOutgoing(c.Request.Context(), req.ConversationID, req.AudioOnly); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) AcceptCall(c *gin.Context) {
	if err := h.manager.AcceptIncoming(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) RejectCall(c *gin.Context) {
	if err := h.manager.RejectIncoming(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) CancelCall(c *gin.Context) {
	if err := h.manager.CancelOutgoing(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) EndCall(c *gin.Context) {
	if err := h.manager.EndActive(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *Handlers) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}
