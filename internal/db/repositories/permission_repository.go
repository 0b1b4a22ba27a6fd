// permission_repository.go implements PermissionRepository. Permissions are
// tri-state from the caller's point of view: Check returns a *bool where nil
// means "no record", which is what separates an unknown device (request flow)
// from an explicitly denied one.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/models"
)

// PermissionRepository handles permission database operations
type PermissionRepository struct {
	db     *sql.DB
	cipher *crypto.FieldCipher
}

// NewPermissionRepository creates a new PermissionRepository
func NewPermissionRepository(db *sql.DB, cipher *crypto.FieldCipher) *PermissionRepository {
	return &PermissionRepository{db: db, cipher: cipher}
}

// Check returns the granted flag for a user/device pair, or nil when no
// permission record exists.
func (r *PermissionRepository) Check(ctx context.Context, userID, deviceID int64) (*bool, error) {
	query := `SELECT granted FROM permissions WHERE user_id = ? AND device_id = ?`

	var granted bool
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).Scan(&granted)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &granted, nil
}

// Set creates or updates the permission for a user/device pair. The upsert
// keeps the original created_at so audit history survives flips between
// granted and denied.
func (r *PermissionRepository) Set(ctx context.Context, userID, deviceID int64, granted bool) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO permissions (user_id, device_id, granted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id)
		DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, userID, deviceID, granted, now, now)
	return err
}

// Remove deletes the permission record for a user/device pair. Removing a
// record returns the pair to the "no record" state, not to denied.
func (r *PermissionRepository) Remove(ctx context.Context, userID, deviceID int64) error {
	query := `DELETE FROM permissions WHERE user_id = ? AND device_id = ?`
	_, err := r.db.ExecContext(ctx, query, userID, deviceID)
	return err
}

// ListUserDevices retrieves all devices a user holds a granted permission for
func (r *PermissionRepository) ListUserDevices(ctx context.Context, userID int64) ([]*models.PermissionWithDevice, error) {
	query := `
		SELECT p.id, p.user_id, p.device_id, p.granted, p.created_at, p.updated_at,
		       d.id, d.vid, d.pid, d.serial, d.name, d.description, d.created_at
		FROM permissions p
		JOIN devices d ON p.device_id = d.id
		WHERE p.user_id = ? AND p.granted = 1
		ORDER BY d.name, d.vid, d.pid
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := make([]*models.PermissionWithDevice, 0)
	for rows.Next() {
		p := &models.PermissionWithDevice{}
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.DeviceID,
			&p.Granted,
			&p.CreatedAt,
			&p.UpdatedAt,
			&p.Device.ID,
			&p.Device.VID,
			&p.Device.PID,
			&p.Device.Serial,
			&p.Device.Name,
			&p.Device.Description,
			&p.Device.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		p.Device.Serial = r.cipher.SafeDecryptSerial(p.Device.Serial)
		perms = append(perms, p)
	}

	return perms, rows.Err()
}

// CountGranted returns the number of granted permission records
func (r *PermissionRepository) CountGranted(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM permissions WHERE granted = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&total)
	return total, err
}
