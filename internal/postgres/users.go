package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nendo-server/internal/domain"
)

const userColumns = `id, email, hashed_password, is_active, is_superuser, is_verified, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword,
		&u.IsActive, &u.IsSuperuser, &u.IsVerified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user record.
func (l *Library) CreateUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()
	u.IsActive = true
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		u.ID, u.Email, u.HashedPassword, u.IsActive, u.IsSuperuser, u.IsVerified, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// isUniqueViolation sniffs the pg error code without importing pgconn here.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}

// UserByEmail fetches a user by email address.
func (l *Library) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	return scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1;`, email))
}

// UserByID fetches a user by id.
func (l *Library) UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	return scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1;`, id))
}

// UpdateUser persists the mutable user fields.
func (l *Library) UpdateUser(ctx context.Context, u *domain.User) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE users SET email = $1, hashed_password = $2, is_active = $3,
		 is_superuser = $4, is_verified = $5 WHERE id = $6;`,
		u.Email, u.HashedPassword, u.IsActive, u.IsSuperuser, u.IsVerified, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ActiveUserIDs lists the ids of all active users. The worker manager uses
// this at startup to bring up the per-user queues.
func (l *Library) ActiveUserIDs(ctx context.Context) ([]string, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM users WHERE is_active = TRUE;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

// ClaimInviteCode marks an unclaimed invite code as used by the given email.
// It returns ErrInvalidInviteCode when the code is unknown or already taken.
func (l *Library) ClaimInviteCode(ctx context.Context, code, email string) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE user_invite_code SET claimed_by = $1
		 WHERE invite_code = $2 AND claimed_by IS NULL;`, email, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidInviteCode
	}
	return nil
}

// AddInviteCode inserts a fresh invite code.
func (l *Library) AddInviteCode(ctx context.Context, code string) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO user_invite_code (invite_code) VALUES ($1);`, code)
	return err
}
