package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/usbgate/usbgate/internal/crypto"
)

func newPermissionRepo(t *testing.T) (*PermissionRepository, sqlmock.Sqlmock, *crypto.FieldCipher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fc := testCipher(t)
	return NewPermissionRepository(db, fc), mock, fc
}

// ---------------------------------------------------------------------------
// Check — the tri-state read the whole admission decision hangs off
// ---------------------------------------------------------------------------

func TestPermissionCheck_Granted(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectQuery("SELECT granted FROM permissions").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(true))

	granted, err := repo.Check(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted == nil || !*granted {
		t.Errorf("granted = %v, want true", granted)
	}
}

func TestPermissionCheck_ExplicitlyDenied(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectQuery("SELECT granted FROM permissions").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(false))

	granted, err := repo.Check(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted == nil || *granted {
		t.Errorf("granted = %v, want false (explicit denial, not nil)", granted)
	}
}

func TestPermissionCheck_NoRecord(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectQuery("SELECT granted FROM permissions").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}))

	granted, err := repo.Check(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted != nil {
		t.Errorf("granted = %v, want nil for no record", *granted)
	}
}

func TestPermissionCheck_DBError(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectQuery("SELECT granted FROM permissions").
		WillReturnError(errDB)

	if _, err := repo.Check(context.Background(), 1, 2); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Set / Remove
// ---------------------------------------------------------------------------

func TestPermissionSet(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectExec("INSERT INTO permissions").
		WithArgs(int64(1), int64(2), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Set(context.Background(), 1, 2, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPermissionSet_Denial(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectExec("INSERT INTO permissions").
		WithArgs(int64(1), int64(2), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Set(context.Background(), 1, 2, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPermissionRemove(t *testing.T) {
	repo, mock, _ := newPermissionRepo(t)
	mock.ExpectExec("DELETE FROM permissions").
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Remove(context.Background(), 1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ListUserDevices
// ---------------------------------------------------------------------------

func TestPermissionListUserDevices(t *testing.T) {
	repo, mock, fc := newPermissionRepo(t)
	cols := []string{
		"id", "user_id", "device_id", "granted", "created_at", "updated_at",
		"id", "vid", "pid", "serial", "name", "description", "created_at",
	}
	mock.ExpectQuery("SELECT.*FROM permissions.*JOIN devices").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(10, 1, 2, true, time.Now(), time.Now(),
				2, "0781", "5571", fc.EncryptSerial("S1"), "Cruzer", "", time.Now()))

	perms, err := repo.ListUserDevices(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("len = %d, want 1", len(perms))
	}
	if perms[0].Device.Serial != "S1" {
		t.Errorf("Device.Serial = %q, want S1 (decrypted)", perms[0].Device.Serial)
	}
	if !perms[0].Granted {
		t.Error("Granted = false, want true")
	}
}
