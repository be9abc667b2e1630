package auth

import (
	"context"
	"database/sql"
	"strings"

	"rigrent.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, status, created_at from users where email=$1`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	var (
		u       User
		rawRole string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &rawRole, &u.Status, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		// A row with an out-of-set role must not authenticate.
		return User{}, ErrNotFound
	}
	u.Role = role
	return u, nil
}

func (s *PGStore) Create(ctx context.Context, user User) error {
	if strings.TrimSpace(user.Email) == "" || !user.Role.Valid() {
		return ErrInvalidInput
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	status := user.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, status) values($1,$2,$3,$4,$5)`,
		user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, string(user.Role), status,
	)
	return err
}
