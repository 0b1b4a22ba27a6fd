// Package models defines the database model types for the usbgate admission
// store. Each type corresponds to a database table. Models carry plaintext
// identifiers; the repositories layer encrypts and decrypts the sensitive
// columns on the way in and out, so nothing above it ever sees ciphertext.
package models

import "time"

// User represents a workstation account observed by an agent
type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UserWithDeviceCount is a User joined with the number of devices the user
// currently holds a granted permission for
type UserWithDeviceCount struct {
	User
	DeviceCount int `db:"device_count" json:"device_count"`
}
