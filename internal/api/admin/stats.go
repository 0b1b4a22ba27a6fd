package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usbgate/usbgate/internal/broker"
)

// StatsHandler serves dashboard counters.
type StatsHandler struct {
	broker *broker.Broker
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(b *broker.Broker) *StatsHandler {
	return &StatsHandler{broker: b}
}

// Get returns store counts for the admin dashboard.
func (h *StatsHandler) Get(c *gin.Context) {
	stats, err := h.broker.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
