package models

import "time"

// Request status values. Transitions are one-way: pending is the only
// non-terminal status, and approved/denied rows never change again.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusDenied   = "denied"
)

// Request represents an authorization request raised when a user plugs in a
// device with no permission record.
type Request struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	DeviceID    int64      `db:"device_id" json:"device_id"`
	DeviceInfo  string     `db:"device_info" json:"device_info"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// IsPending reports whether the request is still awaiting a decision.
func (r *Request) IsPending() bool {
	return r.Status == RequestStatusPending
}

// IsTerminal reports whether the request has already been processed.
func (r *Request) IsTerminal() bool {
	return r.Status == RequestStatusApproved || r.Status == RequestStatusDenied
}

// RequestDetail is a Request joined with the requesting user and device rows,
// the shape the admin request listings return.
type RequestDetail struct {
	Request
	Username          string `db:"username" json:"username"`
	VID               string `db:"vid" json:"vid"`
	PID               string `db:"pid" json:"pid"`
	Serial            string `db:"serial" json:"serial"`
	DeviceName        string `db:"device_name" json:"device_name"`
	DeviceDescription string `db:"device_description" json:"device_description"`
}

// RequestFilter narrows admin request history listings. Zero values mean
// "no constraint". Username matches as a substring of the decrypted username.
type RequestFilter struct {
	Status   string
	Username string
	DateFrom string // inclusive, YYYY-MM-DD
	DateTo   string // inclusive, YYYY-MM-DD
	Limit    int
}
