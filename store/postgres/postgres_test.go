package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/serplantas/authcore/store"
)

var columns = []string{
	"id", "email", "password_hash", "totp_secret", "totp_state", "totp_last_step",
	"enrollment_started_at", "failed_attempts", "failure_window_start", "locked_until",
	"lockouts", "version", "created_at", "updated_at",
}

const testID = "8b7f4a38-2d0c-4d8e-9a53-3f0f5f0f6c11"

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	s := New(db)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s, mock, db
}

func userRow(state string, secret []byte, version int64) *sqlmock.Rows {
	now := time.Unix(1_700_000_000, 0).UTC()
	return sqlmock.NewRows(columns).AddRow(
		testID, "user@example.com", "$argon2id$hash", secret, state, int64(0),
		nil, int64(0), nil, nil,
		int64(0), version, now, now,
	)
}

func TestFindByEmail_Found(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*email.*FROM\s+users\s+WHERE\s+email\s*=\s*\$1$`).
		WithArgs("user@example.com").
		WillReturnRows(userRow("disabled", nil, 3))

	got, err := s.FindByEmail(context.Background(), " User@Example.com ")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if got.ID != testID || got.Version != 3 || got.TOTPState != store.TOTPDisabled {
		t.Fatalf("unexpected user: %+v", got)
	}
	if got.TOTPSecret != nil {
		t.Fatalf("expected nil secret, got %v", got.TOTPSecret)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByEmail_NotFound(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+email`).
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindByEmail(context.Background(), "ghost@example.com")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByEmail_TransientError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+email`).
		WillReturnError(errors.New("connection reset"))

	_, err := s.FindByEmail(context.Background(), "user@example.com")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		t.Fatalf("transient error must not look like not-found")
	}
}

func TestFindByID_MalformedIDIsNotFound(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	_, err := s.FindByID(context.Background(), "not-a-uuid")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestCreate_DuplicateEmail(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users`).
		WithArgs(sqlmock.AnyArg(), "user@example.com", "h", "disabled", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.Create(context.Background(), store.NewUser{Email: "User@example.com", PasswordHash: "h"})
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestCreate_Success(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users.*RETURNING`).
		WithArgs(sqlmock.AnyArg(), "user@example.com", "h", "disabled", sqlmock.AnyArg()).
		WillReturnRows(userRow("disabled", nil, 1))

	u, err := s.Create(context.Background(), store.NewUser{Email: "user@example.com", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if u.Version != 1 {
		t.Fatalf("expected version 1, got %d", u.Version)
	}
}

func TestUpdateAuthFields_Conflict(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^UPDATE\s+users\s+SET.*WHERE\s+id\s*=\s*\$1\s+AND\s+version\s*=\s*\$2`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT\s+1\s+FROM\s+users\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	fields := store.AuthFields{
		PasswordHash: "h",
		TOTPSecret:   []byte("c"),
		TOTPState:    store.TOTPPendingVerification,
	}
	_, err := s.UpdateAuthFields(context.Background(), testID, 2, fields)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateAuthFields_Missing(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^UPDATE\s+users`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT\s+1\s+FROM\s+users`).WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateAuthFields(context.Background(), testID, 2, store.AuthFields{PasswordHash: "h"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAuthFields_InvariantCheckedBeforeQuery(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	_, err := s.UpdateAuthFields(context.Background(), testID, 1, store.AuthFields{
		PasswordHash: "h",
		TOTPState:    store.TOTPEnabled,
	})
	if !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestAtomicIncrementFailure_Success(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^UPDATE\s+users\s+SET\s+failed_attempts\s*=\s*\$3`).
		WithArgs(testID, int64(4), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), sqlmock.AnyArg()).
		WillReturnRows(userRow("enabled", []byte("c"), 5))

	u, err := s.AtomicIncrementFailure(context.Background(), testID, 4, store.FailureState{
		FailedAttempts:     2,
		FailureWindowStart: time.Now(),
	})
	if err != nil {
		t.Fatalf("AtomicIncrementFailure error: %v", err)
	}
	if u.Version != 5 || u.TOTPState != store.TOTPEnabled {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestAtomicResetFailure(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^UPDATE\s+users\s+SET\s+failed_attempts\s*=\s*0`).
		WithArgs(testID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.AtomicResetFailure(context.Background(), testID); err != nil {
		t.Fatalf("AtomicResetFailure error: %v", err)
	}

	mock.ExpectExec(`(?s)^UPDATE\s+users\s+SET\s+failed_attempts\s*=\s*0`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.AtomicResetFailure(context.Background(), testID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneStaleEnrollments(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^UPDATE\s+users.*totp_state\s*=\s*'pending_verification'`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PruneStaleEnrollments(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PruneStaleEnrollments error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pruned, got %d", n)
	}
}
