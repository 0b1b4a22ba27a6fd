// request_repository.go implements RequestRepository on sqlx, which keeps the
// three-table joins for request listings scannable without hand-written
// column-by-column Scan calls.
//
// Status transitions are enforced in SQL: MarkProcessed only touches rows that
// are still pending, so a processed request can never change outcome no matter
// how the callers race.
package repositories

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/models"
)

// RequestRepository handles authorization request database operations
type RequestRepository struct {
	db     *sqlx.DB
	cipher *crypto.FieldCipher
}

// NewRequestRepository creates a new RequestRepository
func NewRequestRepository(db *sqlx.DB, cipher *crypto.FieldCipher) *RequestRepository {
	return &RequestRepository{db: db, cipher: cipher}
}

const requestDetailColumns = `
	r.id, r.user_id, r.device_id, r.device_info, r.status, r.created_at, r.processed_at,
	u.username,
	d.vid, d.pid, d.serial,
	d.name AS device_name, d.description AS device_description
`

// decryptDetail replaces the ciphertext identifier columns with plaintext.
func (r *RequestRepository) decryptDetail(d *models.RequestDetail) {
	d.Username = r.cipher.SafeDecryptUsername(d.Username)
	d.Serial = r.cipher.SafeDecryptSerial(d.Serial)
}

// Create inserts a new pending request and fills in the generated ID
func (r *RequestRepository) Create(ctx context.Context, req *models.Request) error {
	req.Status = models.RequestStatusPending
	req.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO requests (user_id, device_id, device_info, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		req.UserID,
		req.DeviceID,
		req.DeviceInfo,
		req.Status,
		req.CreatedAt,
	)
	if err != nil {
		return err
	}

	req.ID, err = res.LastInsertId()
	return err
}

// GetByID retrieves a request with its user and device rows joined
func (r *RequestRepository) GetByID(ctx context.Context, requestID int64) (*models.RequestDetail, error) {
	query := `
		SELECT ` + requestDetailColumns + `
		FROM requests r
		JOIN users u ON r.user_id = u.id
		JOIN devices d ON r.device_id = d.id
		WHERE r.id = ?
	`

	detail := &models.RequestDetail{}
	err := r.db.GetContext(ctx, detail, query, requestID)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	r.decryptDetail(detail)
	return detail, nil
}

// FindPending returns the newest pending request for a user/device pair, or
// nil when there is none. This is what makes request creation idempotent.
func (r *RequestRepository) FindPending(ctx context.Context, userID, deviceID int64) (*models.Request, error) {
	query := `
		SELECT id, user_id, device_id, device_info, status, created_at, processed_at
		FROM requests
		WHERE user_id = ? AND device_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	req := &models.Request{}
	err := r.db.GetContext(ctx, req, query, userID, deviceID, models.RequestStatusPending)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return req, nil
}

// ListPending retrieves all pending requests, newest first
func (r *RequestRepository) ListPending(ctx context.Context) ([]*models.RequestDetail, error) {
	query := `
		SELECT ` + requestDetailColumns + `
		FROM requests r
		JOIN users u ON r.user_id = u.id
		JOIN devices d ON r.device_id = d.id
		WHERE r.status = ?
		ORDER BY r.created_at DESC
	`

	details := make([]*models.RequestDetail, 0)
	if err := r.db.SelectContext(ctx, &details, query, models.RequestStatusPending); err != nil {
		return nil, err
	}

	for _, d := range details {
		r.decryptDetail(d)
	}
	return details, nil
}

// ListFiltered retrieves request history narrowed by the filter. Status and
// date bounds are applied in SQL. The username filter is applied in Go after
// decryption: the column holds ciphertext, and a block cipher ciphertext of a
// substring shares no bytes with the ciphertext of the full value.
func (r *RequestRepository) ListFiltered(ctx context.Context, filter models.RequestFilter) ([]*models.RequestDetail, error) {
	query := `
		SELECT ` + requestDetailColumns + `
		FROM requests r
		JOIN users u ON r.user_id = u.id
		JOIN devices d ON r.device_id = d.id
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND r.status = ?"
		args = append(args, filter.Status)
	}
	if filter.DateFrom != "" {
		query += " AND date(r.created_at) >= ?"
		args = append(args, filter.DateFrom)
	}
	if filter.DateTo != "" {
		query += " AND date(r.created_at) <= ?"
		args = append(args, filter.DateTo)
	}

	query += " ORDER BY r.created_at DESC"

	if filter.Limit > 0 && filter.Username == "" {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	details := make([]*models.RequestDetail, 0)
	if err := r.db.SelectContext(ctx, &details, query, args...); err != nil {
		return nil, err
	}

	for _, d := range details {
		r.decryptDetail(d)
	}

	if filter.Username != "" {
		needle := strings.ToLower(filter.Username)
		filtered := details[:0]
		for _, d := range details {
			if strings.Contains(strings.ToLower(d.Username), needle) {
				filtered = append(filtered, d)
			}
		}
		details = filtered
		if filter.Limit > 0 && len(details) > filter.Limit {
			details = details[:filter.Limit]
		}
	}

	return details, nil
}

// MarkProcessed moves a pending request to a terminal status and reports
// whether a row changed. A false return with no error means the request was
// already processed (or does not exist); callers treat that as an idempotent
// no-op rather than a failure.
func (r *RequestRepository) MarkProcessed(ctx context.Context, requestID int64, status string) (bool, error) {
	query := `
		UPDATE requests
		SET status = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, query,
		status,
		time.Now().UTC(),
		requestID,
		models.RequestStatusPending,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteProcessedBefore deletes terminal requests processed before the cutoff
// and returns how many rows were removed. Pending requests are never touched.
func (r *RequestRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM requests
		WHERE status IN (?, ?) AND processed_at IS NOT NULL AND processed_at < ?
	`

	res, err := r.db.ExecContext(ctx, query,
		models.RequestStatusApproved,
		models.RequestStatusDenied,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the total number of requests in any status.
func (r *RequestRepository) Count(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM requests`
	err := r.db.GetContext(ctx, &total, query)
	return total, err
}

// CountByStatus returns the number of requests holding the given status
func (r *RequestRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM requests WHERE status = ?`
	err := r.db.GetContext(ctx, &total, query, status)
	return total, err
}
