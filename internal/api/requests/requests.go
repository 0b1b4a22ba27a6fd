// Package requests implements the authorization request endpoints: the
// agent-facing create operation and the admin-facing listing, export, and
// approve/deny operations.
package requests

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/usbgate/usbgate/internal/broker"
	"github.com/usbgate/usbgate/internal/db/models"
	"github.com/usbgate/usbgate/internal/db/repositories"
)

// defaultListLimit caps unfiltered history listings.
const defaultListLimit = 100

// Handler handles authorization request endpoints.
type Handler struct {
	broker   *broker.Broker
	requests *repositories.RequestRepository
}

// NewHandler creates a request handler.
func NewHandler(b *broker.Broker, requests *repositories.RequestRepository) *Handler {
	return &Handler{broker: b, requests: requests}
}

type createRequest struct {
	Username   string `json:"username"`
	VID        string `json:"vid"`
	PID        string `json:"pid"`
	Serial     string `json:"serial"`
	DeviceInfo string `json:"device_info"`
}

// Create opens a pending authorization request. Re-submitting while a request
// for the same pair is still pending returns the existing id, so an agent
// retry loop cannot flood the admin dashboard.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Username == "" || req.VID == "" || req.PID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username, vid and pid are required"})
		return
	}

	requestID, _, err := h.broker.CreateRequest(
		c.Request.Context(), req.Username, req.VID, req.PID, req.Serial, req.DeviceInfo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create request"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"status":     models.RequestStatusPending,
	})
}

// Approve resolves a pending request in the user's favor. Approving a request
// that is already processed reports the stored outcome unchanged.
func (h *Handler) Approve(c *gin.Context) {
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request id"})
		return
	}

	detail, err := h.broker.Approve(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, broker.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to approve request"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": detail.Status})
}

// Deny resolves a pending request against the user. Mirrors Approve for
// already-processed requests.
func (h *Handler) Deny(c *gin.Context) {
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request id"})
		return
	}

	detail, err := h.broker.Deny(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, broker.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deny request"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": detail.Status})
}

// filterFromQuery builds a request filter from the list/export query string.
func filterFromQuery(c *gin.Context, defaultLimit int) models.RequestFilter {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return models.RequestFilter{
		Status:   c.Query("status"),
		Username: c.Query("username"),
		DateFrom: c.Query("date_from"),
		DateTo:   c.Query("date_to"),
		Limit:    limit,
	}
}

// List returns the filtered request history.
func (h *Handler) List(c *gin.Context) {
	list, err := h.requests.ListFiltered(c.Request.Context(), filterFromQuery(c, defaultListLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list requests"})
		return
	}
	if list == nil {
		list = []*models.RequestDetail{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list})
}

// ListPending returns every request still awaiting a decision.
func (h *Handler) ListPending(c *gin.Context) {
	list, err := h.requests.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list pending requests"})
		return
	}
	if list == nil {
		list = []*models.RequestDetail{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list})
}

// Export streams the filtered request history as CSV for offline review.
// The filter semantics match List; the limit is unbounded by default.
func (h *Handler) Export(c *gin.Context) {
	list, err := h.requests.ListFiltered(c.Request.Context(), filterFromQuery(c, 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export requests"})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="requests.csv"`)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "username", "vid", "pid", "serial", "device_info", "status", "created_at", "processed_at"})
	for _, r := range list {
		processedAt := ""
		if r.ProcessedAt != nil {
			processedAt = r.ProcessedAt.UTC().Format(time.RFC3339)
		}
		_ = w.Write([]string{
			strconv.FormatInt(r.ID, 10),
			r.Username,
			r.VID,
			r.PID,
			r.Serial,
			r.DeviceInfo,
			r.Status,
			r.CreatedAt.UTC().Format(time.RFC3339),
			processedAt,
		})
	}
	w.Flush()
}
