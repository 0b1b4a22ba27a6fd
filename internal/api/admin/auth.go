// Package admin implements the administrator-facing endpoints: credential
// login, dashboard statistics, and user/device permission management.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usbgate/usbgate/internal/auth"
	"github.com/usbgate/usbgate/internal/config"
	"github.com/usbgate/usbgate/internal/middleware"
)

// AuthHandler handles admin session endpoints.
type AuthHandler struct {
	cfg *config.Config
}

// NewAuthHandler creates an admin auth handler.
func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies the configured admin credentials and issues a session token.
// Username and password failures share one error message so the response does
// not reveal which half was wrong.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// CheckPassword runs even for a wrong username to keep the timing of the
	// two failure cases comparable.
	usernameOK := req.Username == h.cfg.Admin.Username
	passwordOK := auth.CheckPassword(h.cfg.Admin.PasswordHash, req.Password)
	if !usernameOK || !passwordOK {
		slog.Warn("admin login rejected", "username", req.Username, "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.GenerateAdminToken(req.Username, h.cfg.Admin.SessionTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue session token"})
		return
	}

	slog.Info("admin login", "username", req.Username, "ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.cfg.Admin.SessionTTL.Seconds()),
	})
}

// Me reports the identity behind the presented session token.
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"username": c.GetString(middleware.AdminUsernameKey),
		"role":     "admin",
	})
}
