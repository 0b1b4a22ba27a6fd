// Package devices implements the agent-facing device admission endpoint.
package devices

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usbgate/usbgate/internal/broker"
)

// Handler handles device admission checks.
type Handler struct {
	broker *broker.Broker
}

// NewHandler creates a device check handler.
func NewHandler(b *broker.Broker) *Handler {
	return &Handler{broker: b}
}

type checkRequest struct {
	Username string `json:"username"`
	VID      string `json:"vid"`
	PID      string `json:"pid"`
	Serial   string `json:"serial"`
}

// Check resolves the admission decision for a user/device pair.
// Serial may be empty; keyboards and mice frequently ship without one.
func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Username == "" || req.VID == "" || req.PID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username, vid and pid are required"})
		return
	}

	decision, err := h.broker.CheckDevice(c.Request.Context(), req.Username, req.VID, req.PID, req.Serial)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check device permission"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": decision})
}
