// Package postgres implements store.Store on PostgreSQL through database/sql
// and the pgx stdlib driver.
//
// Every conditional write is one UPDATE ... WHERE id = $1 AND version = $2
// statement, so concurrent service instances observe linearizable updates of
// the failure counters and TOTP fields without holding row locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/store/postgres/migrations"
)

const uniqueViolation = "23505"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL credential store.
type Store struct {
	db  DBTX
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(db DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: db ping: %v", store.ErrUnavailable, err)
	}
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, totp_secret, totp_state, totp_last_step,
	enrollment_started_at, failed_attempts, failure_window_start, locked_until,
	lockouts, version, created_at, updated_at`

func (s *Store) FindByEmail(ctx context.Context, email string) (store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return s.queryUser(ctx, query, store.NormalizeEmail(email))
}

func (s *Store) FindByID(ctx context.Context, id string) (store.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return store.User{}, store.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.queryUser(ctx, query, id)
}

func (s *Store) Create(ctx context.Context, nu store.NewUser) (store.User, error) {
	if nu.PasswordHash == "" {
		return store.User{}, store.ErrInvalidRecord
	}
	created := nu.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	created = created.UTC()

	query := `INSERT INTO users (id, email, password_hash, totp_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING ` + userColumns

	u, err := s.queryUser(ctx, query,
		uuid.NewString(), store.NormalizeEmail(nu.Email), nu.PasswordHash, store.TOTPDisabled.String(), created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.User{}, store.ErrDuplicateEmail
		}
		return store.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateAuthFields(ctx context.Context, id string, expectedVersion uint64, f store.AuthFields) (store.User, error) {
	if err := f.Validate(); err != nil {
		return store.User{}, err
	}

	query := `UPDATE users SET
			password_hash = $3,
			totp_secret = $4,
			totp_state = $5,
			totp_last_step = $6,
			enrollment_started_at = $7,
			version = version + 1,
			updated_at = $8
		WHERE id = $1 AND version = $2
		RETURNING ` + userColumns

	var secret any
	if len(f.TOTPSecret) > 0 {
		secret = f.TOTPSecret
	}

	u, err := s.queryUser(ctx, query,
		id, int64(expectedVersion),
		f.PasswordHash, secret, f.TOTPState.String(), f.TOTPLastStep,
		nullTime(f.EnrollmentStartedAt), s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, s.missOrConflict(ctx, id)
	}
	return u, err
}

func (s *Store) AtomicIncrementFailure(ctx context.Context, id string, expectedVersion uint64, f store.FailureState) (store.User, error) {
	query := `UPDATE users SET
			failed_attempts = $3,
			failure_window_start = $4,
			locked_until = $5,
			lockouts = $6,
			version = version + 1,
			updated_at = $7
		WHERE id = $1 AND version = $2
		RETURNING ` + userColumns

	u, err := s.queryUser(ctx, query,
		id, int64(expectedVersion),
		f.FailedAttempts, nullTime(f.FailureWindowStart), nullTime(f.LockedUntil), f.Lockouts,
		s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, s.missOrConflict(ctx, id)
	}
	return u, err
}

func (s *Store) AtomicResetFailure(ctx context.Context, id string) error {
	query := `UPDATE users SET
			failed_attempts = 0,
			failure_window_start = NULL,
			locked_until = NULL,
			lockouts = 0,
			version = version + 1,
			updated_at = $2
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PruneStaleEnrollments(ctx context.Context, startedBefore time.Time) (int64, error) {
	query := `UPDATE users SET
			totp_secret = NULL,
			totp_state = 'disabled',
			enrollment_started_at = NULL,
			version = version + 1,
			updated_at = $2
		WHERE totp_state = 'pending_verification' AND enrollment_started_at < $1`

	res, err := s.db.ExecContext(ctx, query, startedBefore.UTC(), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}
	return n, nil
}

// missOrConflict resolves an UPDATE that matched no row.
func (s *Store) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}
	return store.ErrVersionConflict
}

func (s *Store) queryUser(ctx context.Context, query string, args ...any) (store.User, error) {
	var (
		u                        store.User
		state                    string
		version                  int64
		enrollStart, windowStart sql.NullTime
		lockedUntil              sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.TOTPSecret, &state, &u.TOTPLastStep,
		&enrollStart, &u.FailedAttempts, &windowStart, &lockedUntil,
		&u.Lockouts, &version, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return store.User{}, fmt.Errorf("db error: %w", err)
		}
		return store.User{}, fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
	}

	u.TOTPState, err = store.ParseTOTPState(state)
	if err != nil {
		return store.User{}, err
	}
	if len(u.TOTPSecret) == 0 {
		u.TOTPSecret = nil
	}
	u.Version = uint64(version)
	u.EnrollmentStartedAt = fromNull(enrollStart)
	u.FailureWindowStart = fromNull(windowStart)
	u.LockedUntil = fromNull(lockedUntil)
	return u, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
