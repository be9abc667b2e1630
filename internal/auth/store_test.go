package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAuthenticate(t *testing.T) {
	store := NewInMemoryStore()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := store.Create(context.Background(), User{
		ID:           "user-1",
		Email:        "Owner@Rigrent.io",
		PasswordHash: hash,
		Role:         RoleUser,
		Status:       "active",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	user, err := Authenticate(context.Background(), store, "owner@rigrent.io", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != "user-1" || user.Role != RoleUser {
		t.Fatalf("unexpected user: %#v", user)
	}

	if _, err := Authenticate(context.Background(), store, "owner@rigrent.io", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := Authenticate(context.Background(), store, "nobody@rigrent.io", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email must not be distinguishable: %v", err)
	}
	if _, err := Authenticate(context.Background(), store, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAuthenticateSuspendedUser(t *testing.T) {
	store := NewInMemoryStore()
	hash, _ := HashPassword("s3cret")
	_ = store.Create(context.Background(), User{
		ID:           "user-2",
		Email:        "gone@rigrent.io",
		PasswordHash: hash,
		Role:         RoleUser,
		Status:       "suspended",
	})

	if _, err := Authenticate(context.Background(), store, "gone@rigrent.io", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("suspended user must not authenticate: %v", err)
	}
}

func TestPGStoreFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, email, password_hash, role, status, created_at from users").
		WithArgs("ops@rigrent.io").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "status", "created_at"}).
			AddRow("user-3", "ops@rigrent.io", "hash", "ADMIN", "active", time.Now()))

	store := NewPGStore(db)
	user, err := store.FindByEmail(context.Background(), " Ops@Rigrent.io ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.Role != RoleAdmin {
		t.Fatalf("unexpected role: %s", user.Role)
	}

	mock.ExpectQuery("select id, email, password_hash, role, status, created_at from users").
		WithArgs("missing@rigrent.io").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.FindByEmail(context.Background(), "missing@rigrent.io"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
