package models

import "time"

// Permission records whether a user may use a device. A row with granted=false
// is an explicit denial and is distinct from having no row at all: absence
// means the device is unknown and triggers the authorization request flow.
type Permission struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	DeviceID  int64     `db:"device_id" json:"device_id"`
	Granted   bool      `db:"granted" json:"granted"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PermissionWithDevice is a Permission joined with its device row, used for
// per-user device listings in the admin API.
type PermissionWithDevice struct {
	Permission
	Device Device `json:"device"`
}
