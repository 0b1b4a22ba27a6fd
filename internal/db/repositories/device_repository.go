// device_repository.go implements DeviceRepository, providing database queries
// for USB device records. Serial numbers are encrypted at rest; VID/PID stay
// plaintext and lookups combine them with the re-encrypted serial.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/models"
)

// DeviceRepository handles device database operations
type DeviceRepository struct {
	db     *sql.DB
	cipher *crypto.FieldCipher
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *sql.DB, cipher *crypto.FieldCipher) *DeviceRepository {
	return &DeviceRepository{db: db, cipher: cipher}
}

// Create inserts a new device and fills in the generated ID
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	device.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO devices (vid, pid, serial, name, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		device.VID,
		device.PID,
		r.cipher.EncryptSerial(device.Serial),
		device.Name,
		device.Description,
		device.CreatedAt,
	)
	if err != nil {
		return err
	}

	device.ID, err = res.LastInsertId()
	return err
}

// GetByID retrieves a device by ID
func (r *DeviceRepository) GetByID(ctx context.Context, deviceID int64) (*models.Device, error) {
	query := `
		SELECT id, vid, pid, serial, name, description, created_at
		FROM devices
		WHERE id = ?
	`

	device := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.ID,
		&device.VID,
		&device.PID,
		&device.Serial,
		&device.Name,
		&device.Description,
		&device.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	device.Serial = r.cipher.SafeDecryptSerial(device.Serial)
	return device, nil
}

// GetByIdentifiers retrieves a device by its VID/PID/serial triple
func (r *DeviceRepository) GetByIdentifiers(ctx context.Context, vid, pid, serial string) (*models.Device, error) {
	query := `
		SELECT id, vid, pid, serial, name, description, created_at
		FROM devices
		WHERE vid = ? AND pid = ? AND serial = ?
	`

	device := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, vid, pid, r.cipher.EncryptSerial(serial)).Scan(
		&device.ID,
		&device.VID,
		&device.PID,
		&device.Serial,
		&device.Name,
		&device.Description,
		&device.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	device.Serial = r.cipher.SafeDecryptSerial(device.Serial)
	return device, nil
}

// GetOrCreate retrieves a device by identifiers, creating the row if absent.
// A lost insert race against the (vid, pid, serial) unique constraint falls
// back to re-reading the winner's row.
func (r *DeviceRepository) GetOrCreate(ctx context.Context, vid, pid, serial, name, description string) (*models.Device, error) {
	device, err := r.GetByIdentifiers(ctx, vid, pid, serial)
	if err != nil {
		return nil, err
	}
	if device != nil {
		return device, nil
	}

	device = &models.Device{
		VID:         vid,
		PID:         pid,
		Serial:      serial,
		Name:        name,
		Description: description,
	}
	if err := r.Create(ctx, device); err != nil {
		if isUniqueViolation(err) {
			return r.GetByIdentifiers(ctx, vid, pid, serial)
		}
		return nil, err
	}
	return device, nil
}

// Update changes a device's display name and description
func (r *DeviceRepository) Update(ctx context.Context, deviceID int64, name, description string) error {
	query := `UPDATE devices SET name = ?, description = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, name, description, deviceID)
	return err
}

// List retrieves all devices ordered by name
func (r *DeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	query := `
		SELECT id, vid, pid, serial, name, description, created_at
		FROM devices
		ORDER BY name, vid, pid
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.ID,
			&device.VID,
			&device.PID,
			&device.Serial,
			&device.Name,
			&device.Description,
			&device.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		device.Serial = r.cipher.SafeDecryptSerial(device.Serial)
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// Count returns the total number of devices
func (r *DeviceRepository) Count(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM devices`
	err := r.db.QueryRowContext(ctx, query).Scan(&total)
	return total, err
}
