package requests

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/usbgate/usbgate/internal/broker"
	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/models"
	"github.com/usbgate/usbgate/internal/db/repositories"
)

type emitted struct {
	room  string
	event string
}

type fakePublisher struct {
	userEvents  []emitted
	adminEvents []emitted
}

func (f *fakePublisher) EmitToUser(username, event string, data any) {
	f.userEvents = append(f.userEvents, emitted{room: username, event: event})
}

func (f *fakePublisher) EmitToAdmins(event string, data any) {
	f.adminEvents = append(f.adminEvents, emitted{room: "admin", event: event})
}

func newRequestsRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *crypto.FieldCipher, *fakePublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fc, err := crypto.NewFieldCipher(
		[]byte("a-development-block-key-32-bytes"),
		[]byte("a-dev-stream-key"),
	)
	if err != nil {
		t.Fatalf("NewFieldCipher: %v", err)
	}

	pub := &fakePublisher{}
	requestRepo := repositories.NewRequestRepository(sqlx.NewDb(db, "sqlmock"), fc)
	b := broker.New(
		repositories.NewUserRepository(db, fc),
		repositories.NewDeviceRepository(db, fc),
		repositories.NewPermissionRepository(db, fc),
		requestRepo,
		pub,
	)

	h := NewHandler(b, requestRepo)
	r := gin.New()
	r.POST("/api/requests", h.Create)
	r.GET("/api/requests", h.List)
	r.GET("/api/requests/pending", h.ListPending)
	r.GET("/api/requests/export", h.Export)
	r.POST("/api/requests/:id/approve", h.Approve)
	r.POST("/api/requests/:id/deny", h.Deny)
	return r, mock, fc, pub
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

var requestDetailCols = []string{
	"id", "user_id", "device_id", "device_info", "status", "created_at", "processed_at",
	"username", "vid", "pid", "serial", "device_name", "device_description",
}

func detailRow(fc *crypto.FieldCipher, id int64, status string) []driver.Value {
	return []driver.Value{
		id, int64(1), int64(2), "SanDisk Cruzer", status, time.Now(), nil,
		fc.EncryptUsername("alice"), "0781", "5571", fc.EncryptSerial("S1"), "Cruzer", "",
	}
}

func expectResolvePair(mock sqlmock.Sqlmock, fc *crypto.FieldCipher) {
	mock.ExpectQuery("SELECT.*FROM users.*WHERE username").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "created_at"}).
			AddRow(1, fc.EncryptUsername("alice"), time.Now()))
	mock.ExpectQuery("SELECT.*FROM devices.*WHERE vid").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vid", "pid", "serial", "name", "description", "created_at"}).
			AddRow(2, "0781", "5571", fc.EncryptSerial("S1"), "", "", time.Now()))
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_MissingFields(t *testing.T) {
	r, _, _, _ := newRequestsRouter(t)
	w := doJSON(r, http.MethodPost, "/api/requests", `{"username":"alice"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreate_NewRequest(t *testing.T) {
	r, mock, fc, pub := newRequestsRouter(t)
	expectResolvePair(mock, fc)
	mock.ExpectQuery("SELECT.*FROM requests.*WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "device_id", "device_info", "status", "created_at", "processed_at"}))
	mock.ExpectExec("INSERT INTO requests").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectQuery("SELECT.*FROM requests r.*WHERE r.id").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusPending)...))

	w := doJSON(r, http.MethodPost, "/api/requests",
		`{"username":"alice","vid":"0781","pid":"5571","serial":"S1","device_info":"SanDisk Cruzer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp struct {
		RequestID int64  `json:"request_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RequestID != 11 || resp.Status != "pending" {
		t.Errorf("response = %+v, want id 11 status pending", resp)
	}
	if len(pub.adminEvents) != 1 || pub.adminEvents[0].event != "device_request" {
		t.Errorf("admin events = %+v, want one device_request", pub.adminEvents)
	}
}

func TestCreate_ExistingPendingIsIdempotent(t *testing.T) {
	r, mock, fc, pub := newRequestsRouter(t)
	expectResolvePair(mock, fc)
	mock.ExpectQuery("SELECT.*FROM requests.*WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "device_id", "device_info", "status", "created_at", "processed_at"}).
			AddRow(7, 1, 2, "SanDisk Cruzer", models.RequestStatusPending, time.Now(), nil))

	w := doJSON(r, http.MethodPost, "/api/requests",
		`{"username":"alice","vid":"0781","pid":"5571","serial":"S1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"request_id":7`) {
		t.Errorf("body = %s, want existing request id 7", w.Body.String())
	}
	if len(pub.adminEvents) != 0 {
		t.Errorf("admin events = %+v, want none for re-submit", pub.adminEvents)
	}
}

// ---------------------------------------------------------------------------
// Approve / Deny
// ---------------------------------------------------------------------------

func TestApprove_InvalidID(t *testing.T) {
	r, _, _, _ := newRequestsRouter(t)
	w := doJSON(r, http.MethodPost, "/api/requests/abc/approve", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestApprove_NotFound(t *testing.T) {
	r, mock, _, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*WHERE r.id").
		WillReturnRows(sqlmock.NewRows(requestDetailCols))

	w := doJSON(r, http.MethodPost, "/api/requests/99/approve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestApprove_Pending(t *testing.T) {
	r, mock, fc, pub := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*WHERE r.id").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusPending)...))
	mock.ExpectExec("UPDATE requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO permissions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doJSON(r, http.MethodPost, "/api/requests/11/approve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"status":"approved"}` {
		t.Errorf("body = %s, want approved", w.Body.String())
	}
	if len(pub.userEvents) != 1 || pub.userEvents[0].room != "alice" {
		t.Errorf("user events = %+v, want one event to alice", pub.userEvents)
	}
}

func TestApprove_AlreadyDeniedReportsStoredOutcome(t *testing.T) {
	r, mock, fc, pub := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*WHERE r.id").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusDenied)...))
	mock.ExpectExec("UPDATE requests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := doJSON(r, http.MethodPost, "/api/requests/11/approve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"status":"denied"}` {
		t.Errorf("body = %s, want stored denied outcome", w.Body.String())
	}
	if len(pub.userEvents) != 0 {
		t.Errorf("user events = %+v, want none for no-op approve", pub.userEvents)
	}
}

func TestDeny_Pending(t *testing.T) {
	r, mock, fc, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*WHERE r.id").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusPending)...))
	mock.ExpectExec("UPDATE requests").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doJSON(r, http.MethodPost, "/api/requests/11/deny", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"status":"denied"}` {
		t.Errorf("body = %s, want denied", w.Body.String())
	}
	// No permission insert expected on deny.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// List / ListPending / Export
// ---------------------------------------------------------------------------

func TestList_ReturnsDecryptedRows(t *testing.T) {
	r, mock, fc, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*JOIN users").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusApproved)...))

	w := doJSON(r, http.MethodGet, "/api/requests?status=approved", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"username":"alice"`) {
		t.Errorf("body = %s, want decrypted username alice", w.Body.String())
	}
}

func TestList_EmptyIsJSONArray(t *testing.T) {
	r, mock, _, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*JOIN users").
		WillReturnRows(sqlmock.NewRows(requestDetailCols))

	w := doJSON(r, http.MethodGet, "/api/requests", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"requests":[]`) {
		t.Errorf("body = %s, want empty array not null", w.Body.String())
	}
}

func TestListPending_DBError(t *testing.T) {
	r, mock, _, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r").
		WillReturnError(errors.New("db down"))

	w := doJSON(r, http.MethodGet, "/api/requests/pending", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestExport_CSV(t *testing.T) {
	r, mock, fc, _ := newRequestsRouter(t)
	mock.ExpectQuery("SELECT.*FROM requests r.*JOIN users").
		WillReturnRows(sqlmock.NewRows(requestDetailCols).
			AddRow(detailRow(fc, 11, models.RequestStatusApproved)...))

	w := doJSON(r, http.MethodGet, "/api/requests/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header + 1 row", len(lines))
	}
	if !strings.Contains(lines[1], "alice") || !strings.Contains(lines[1], "approved") {
		t.Errorf("csv row = %q, want alice approved", lines[1])
	}
}
