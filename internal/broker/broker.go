// Package broker implements the admission decision workflow that coordinates
// the permission store, the request lifecycle, and the push notification
// channel. Handlers call the broker; the broker is the only place the
// check/request/approve/deny semantics live.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/usbgate/usbgate/internal/db/models"
	"github.com/usbgate/usbgate/internal/db/repositories"
	"github.com/usbgate/usbgate/internal/push"
	"github.com/usbgate/usbgate/internal/telemetry"
)

// ErrRequestNotFound is returned by Approve/Deny for an unknown request id.
var ErrRequestNotFound = errors.New("broker: request not found")

// Decision is the tri-state outcome of a device admission check.
type Decision string

// Admission decisions. Unknown means no permission record exists yet and the
// caller should open an authorization request.
const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionUnknown Decision = "unknown"
)

// Publisher is the slice of the push hub the broker needs.
type Publisher interface {
	EmitToUser(username, event string, data any)
	EmitToAdmins(event string, data any)
}

// Broker coordinates admission checks and the authorization request workflow.
type Broker struct {
	users       *repositories.UserRepository
	devices     *repositories.DeviceRepository
	permissions *repositories.PermissionRepository
	requests    *repositories.RequestRepository
	publisher   Publisher
}

// New creates a Broker.
func New(
	users *repositories.UserRepository,
	devices *repositories.DeviceRepository,
	permissions *repositories.PermissionRepository,
	requests *repositories.RequestRepository,
	publisher Publisher,
) *Broker {
	return &Broker{
		users:       users,
		devices:     devices,
		permissions: permissions,
		requests:    requests,
		publisher:   publisher,
	}
}

// CheckDevice resolves the admission decision for a user/device pair. Unknown
// users and devices are created on first sight so the eventual request flow
// has rows to hang off.
func (b *Broker) CheckDevice(ctx context.Context, username, vid, pid, serial string) (Decision, error) {
	user, err := b.users.GetOrCreate(ctx, username)
	if err != nil {
		return "", fmt.Errorf("resolving user: %w", err)
	}
	device, err := b.devices.GetOrCreate(ctx, vid, pid, serial, "", "")
	if err != nil {
		return "", fmt.Errorf("resolving device: %w", err)
	}

	granted, err := b.permissions.Check(ctx, user.ID, device.ID)
	if err != nil {
		return "", fmt.Errorf("checking permission: %w", err)
	}

	var decision Decision
	switch {
	case granted == nil:
		decision = DecisionUnknown
	case *granted:
		decision = DecisionAllowed
	default:
		decision = DecisionDenied
	}

	telemetry.DeviceChecksTotal.WithLabelValues(string(decision)).Inc()
	slog.Info("device check",
		"username", username,
		"device", vid+":"+pid+":"+serial,
		"decision", decision)

	return decision, nil
}

// CreateRequest opens a pending authorization request for a user/device pair.
// If a pending request already exists, its id is returned and created is
// false: re-plugging a device while the admin decides must not pile up
// duplicate rows or duplicate admin notifications.
func (b *Broker) CreateRequest(ctx context.Context, username, vid, pid, serial, deviceInfo string) (requestID int64, created bool, err error) {
	user, err := b.users.GetOrCreate(ctx, username)
	if err != nil {
		return 0, false, fmt.Errorf("resolving user: %w", err)
	}
	device, err := b.devices.GetOrCreate(ctx, vid, pid, serial, "", "")
	if err != nil {
		return 0, false, fmt.Errorf("resolving device: %w", err)
	}

	existing, err := b.requests.FindPending(ctx, user.ID, device.ID)
	if err != nil {
		return 0, false, fmt.Errorf("checking for pending request: %w", err)
	}
	if existing != nil {
		slog.Info("request already pending",
			"username", username,
			"request_id", existing.ID)
		return existing.ID, false, nil
	}

	req := &models.Request{
		UserID:     user.ID,
		DeviceID:   device.ID,
		DeviceInfo: deviceInfo,
	}
	if err := b.requests.Create(ctx, req); err != nil {
		return 0, false, fmt.Errorf("creating request: %w", err)
	}

	telemetry.RequestsCreatedTotal.Inc()
	slog.Info("authorization request created",
		"username", username,
		"device", vid+":"+pid+":"+serial,
		"request_id", req.ID)

	// The admin room gets the full joined record so the UI can render the
	// request without a follow-up fetch.
	detail, err := b.requests.GetByID(ctx, req.ID)
	if err != nil {
		slog.Error("fetching created request for notification", "error", err, "request_id", req.ID)
	} else if detail != nil {
		b.publisher.EmitToAdmins(push.EventDeviceRequest, detail)
	}

	return req.ID, true, nil
}

// Approve moves a request to approved, grants the permission, and notifies
// the requesting user's room.
//
// Approving a request that is already terminal is a no-op success: the stored
// outcome stands, no permission is touched, and no push event is re-emitted.
func (b *Broker) Approve(ctx context.Context, requestID int64) (*models.RequestDetail, error) {
	detail, err := b.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if detail == nil {
		return nil, ErrRequestNotFound
	}

	changed, err := b.requests.MarkProcessed(ctx, requestID, models.RequestStatusApproved)
	if err != nil {
		return nil, fmt.Errorf("approving request: %w", err)
	}
	if !changed {
		slog.Info("approve on already-processed request ignored",
			"request_id", requestID, "status", detail.Status)
		return detail, nil
	}

	if err := b.permissions.Set(ctx, detail.UserID, detail.DeviceID, true); err != nil {
		return nil, fmt.Errorf("granting permission: %w", err)
	}

	telemetry.RequestsResolvedTotal.WithLabelValues(models.RequestStatusApproved).Inc()
	slog.Info("request approved", "request_id", requestID, "username", detail.Username)

	b.publisher.EmitToUser(detail.Username, push.EventRequestApproved, map[string]any{
		"request_id": requestID,
		"username":   detail.Username,
	})

	detail.Status = models.RequestStatusApproved
	return detail, nil
}

// Deny moves a request to denied and notifies the requesting user's room.
// Denial does not write a permission record: the pair stays in the "no
// record" state, so the next attach raises a fresh request instead of being
// silently blocked forever.
//
// Denying an already-terminal request is a no-op success, mirroring Approve.
func (b *Broker) Deny(ctx context.Context, requestID int64) (*models.RequestDetail, error) {
	detail, err := b.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if detail == nil {
		return nil, ErrRequestNotFound
	}

	changed, err := b.requests.MarkProcessed(ctx, requestID, models.RequestStatusDenied)
	if err != nil {
		return nil, fmt.Errorf("denying request: %w", err)
	}
	if !changed {
		slog.Info("deny on already-processed request ignored",
			"request_id", requestID, "status", detail.Status)
		return detail, nil
	}

	telemetry.RequestsResolvedTotal.WithLabelValues(models.RequestStatusDenied).Inc()
	slog.Info("request denied", "request_id", requestID, "username", detail.Username)

	b.publisher.EmitToUser(detail.Username, push.EventRequestDenied, map[string]any{
		"request_id": requestID,
		"username":   detail.Username,
	})

	detail.Status = models.RequestStatusDenied
	return detail, nil
}

// Stats summarizes the store for the admin dashboard.
type Stats struct {
	Users           int `json:"users"`
	Devices         int `json:"devices"`
	Permissions     int `json:"permissions"`
	PendingRequests int `json:"pending_requests"`
	TotalRequests   int `json:"total_requests"`
}

// GetStats collects store counts.
func (b *Broker) GetStats(ctx context.Context) (*Stats, error) {
	users, err := b.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	devices, err := b.devices.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}
	perms, err := b.permissions.CountGranted(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting permissions: %w", err)
	}
	pending, err := b.requests.CountByStatus(ctx, models.RequestStatusPending)
	if err != nil {
		return nil, fmt.Errorf("counting pending requests: %w", err)
	}
	total, err := b.requests.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting requests: %w", err)
	}

	return &Stats{
		Users:           users,
		Devices:         devices,
		Permissions:     perms,
		PendingRequests: pending,
		TotalRequests:   total,
	}, nil
}
