package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when a login attempt fails, without
// distinguishing unknown user from wrong password.
var ErrBadCredentials = errors.New("invalid username or password")

// User is one browser-gateway login.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateUser inserts a user with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_users (username, password_hash) VALUES (?, ?)`,
		username, string(hash))
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting last insert id: %w", err)
	}
	return &User{ID: id, Username: username}, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords both return ErrBadCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		u    User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM gateway_users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &hash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn comparable time so the two failure paths look alike.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000m"), []byte(password))
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return &u, nil
}
