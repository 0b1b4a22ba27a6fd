package models

import (
	"fmt"
	"time"
)

// Device represents a USB device identified by vendor ID, product ID, and
// serial number. The serial column holds ciphertext at rest; VID and PID stay
// plaintext because the pair carries no information about any single unit.
type Device struct {
	ID          int64     `db:"id" json:"id"`
	VID         string    `db:"vid" json:"vid"`
	PID         string    `db:"pid" json:"pid"`
	Serial      string    `db:"serial" json:"serial"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Identity returns the canonical vid:pid:serial string used in logs and push
// event payloads.
func (d *Device) Identity() string {
	return fmt.Sprintf("%s:%s:%s", d.VID, d.PID, d.Serial)
}
