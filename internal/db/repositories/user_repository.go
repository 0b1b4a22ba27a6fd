// Package repositories implements the data access layer (repository pattern)
// for the usbgate admission store. Each repository type encapsulates all
// database queries for a domain entity. Handlers never issue SQL directly;
// all access goes through this layer, which is also where the sensitive
// columns (usernames and device serials) are encrypted and decrypted, so the
// layers above only ever see plaintext.
//
// Lookups on encrypted columns work by re-encrypting the query value: both
// ciphers are deterministic, so equal plaintext always produces equal
// ciphertext under one key. Reads use the Safe* decrypt variants, which hand
// back the stored value unchanged when it predates encryption.
package repositories

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db     *sql.DB
	cipher *crypto.FieldCipher
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB, cipher *crypto.FieldCipher) *UserRepository {
	return &UserRepository{db: db, cipher: cipher}
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new user and fills in the generated ID
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO users (username, created_at)
		VALUES (?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		r.cipher.EncryptUsername(user.Username),
		user.CreatedAt,
	)
	if err != nil {
		return err
	}

	user.ID, err = res.LastInsertId()
	return err
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	query := `
		SELECT id, username, created_at
		FROM users
		WHERE id = ?
	`

	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	user.Username = r.cipher.SafeDecryptUsername(user.Username)
	return user, nil
}

// GetByUsername retrieves a user by plaintext username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, created_at
		FROM users
		WHERE username = ?
	`

	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, r.cipher.EncryptUsername(username)).Scan(
		&user.ID,
		&user.Username,
		&user.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	user.Username = r.cipher.SafeDecryptUsername(user.Username)
	return user, nil
}

// GetOrCreate retrieves a user by username, creating the row if absent.
// Two agents can race to report the same new user; the loser of the insert
// hits the unique constraint and re-reads the winner's row.
func (r *UserRepository) GetOrCreate(ctx context.Context, username string) (*models.User, error) {
	user, err := r.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user = &models.User{Username: username}
	if err := r.Create(ctx, user); err != nil {
		if isUniqueViolation(err) {
			return r.GetByUsername(ctx, username)
		}
		return nil, err
	}
	return user, nil
}

// List retrieves all users ordered by creation time
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT id, username, created_at
		FROM users
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user := &models.User{}
		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		user.Username = r.cipher.SafeDecryptUsername(user.Username)
		users = append(users, user)
	}

	return users, rows.Err()
}

// ListWithDeviceCounts retrieves all users with the number of granted devices
// each one holds
func (r *UserRepository) ListWithDeviceCounts(ctx context.Context) ([]*models.UserWithDeviceCount, error) {
	query := `
		SELECT u.id, u.username, u.created_at,
		       COUNT(p.id) AS device_count
		FROM users u
		LEFT JOIN permissions p ON u.id = p.user_id AND p.granted = 1
		GROUP BY u.id, u.username, u.created_at
		ORDER BY u.created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.UserWithDeviceCount, 0)
	for rows.Next() {
		user := &models.UserWithDeviceCount{}
		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.CreatedAt,
			&user.DeviceCount,
		)
		if err != nil {
			return nil, err
		}
		user.Username = r.cipher.SafeDecryptUsername(user.Username)
		users = append(users, user)
	}

	return users, rows.Err()
}

// Count returns the total number of users
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM users`
	err := r.db.QueryRowContext(ctx, query).Scan(&total)
	return total, err
}
