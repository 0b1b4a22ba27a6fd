// users.go implements admin management of users and their device permissions:
// listing users with grant counts, listing a user's granted devices, and
// direct grant/revoke by vid:pid:serial identity.
package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/usbgate/usbgate/internal/db/models"
	"github.com/usbgate/usbgate/internal/db/repositories"
)

// UsersHandler handles user and permission management endpoints.
type UsersHandler struct {
	users       *repositories.UserRepository
	devices     *repositories.DeviceRepository
	permissions *repositories.PermissionRepository
}

// NewUsersHandler creates a users handler.
func NewUsersHandler(
	users *repositories.UserRepository,
	devices *repositories.DeviceRepository,
	permissions *repositories.PermissionRepository,
) *UsersHandler {
	return &UsersHandler{users: users, devices: devices, permissions: permissions}
}

// splitDeviceIdentity parses a "vid:pid:serial" device identity. The serial
// segment is optional; the identity is invalid without vid and pid.
func splitDeviceIdentity(identity string) (vid, pid, serial string, ok bool) {
	parts := strings.SplitN(identity, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	vid, pid = parts[0], parts[1]
	if len(parts) == 3 {
		serial = parts[2]
	}
	return vid, pid, serial, true
}

// List returns all users with their granted-device counts.
func (h *UsersHandler) List(c *gin.Context) {
	users, err := h.users.ListWithDeviceCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	if users == nil {
		users = []*models.UserWithDeviceCount{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// ListDevices returns the devices a user is currently granted.
func (h *UsersHandler) ListDevices(c *gin.Context) {
	user, err := h.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	devices, err := h.permissions.ListUserDevices(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list user devices"})
		return
	}
	if devices == nil {
		devices = []*models.PermissionWithDevice{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type grantRequest struct {
	DeviceID string `json:"device_id"` // vid:pid:serial
	Name     string `json:"name"`
}

// GrantDevice grants a device to a user directly, bypassing the request flow.
// The device row is created on first sight so an admin can pre-authorize
// hardware that has never been attached.
func (h *UsersHandler) GrantDevice(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	vid, pid, serial, ok := splitDeviceIdentity(req.DeviceID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id must be vid:pid:serial"})
		return
	}

	user, err := h.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	device, err := h.devices.GetOrCreate(c.Request.Context(), vid, pid, serial, req.Name, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve device"})
		return
	}

	if err := h.permissions.Set(c.Request.Context(), user.ID, device.ID, true); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to grant permission"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// RevokeDevice deletes the permission row for a user/device pair. The pair
// returns to the "no record" state, so the next attach raises a fresh
// authorization request rather than being permanently denied.
func (h *UsersHandler) RevokeDevice(c *gin.Context) {
	vid, pid, serial, ok := splitDeviceIdentity(c.Param("deviceID"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device id must be vid:pid:serial"})
		return
	}

	user, err := h.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	device, err := h.devices.GetByIdentifiers(c.Request.Context(), vid, pid, serial)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load device"})
		return
	}
	if device == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	if err := h.permissions.Remove(c.Request.Context(), user.ID, device.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke permission"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
