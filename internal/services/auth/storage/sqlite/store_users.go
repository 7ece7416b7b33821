package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

// PutUser persists a user record.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, username, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    display_name = excluded.display_name,
    updated_at = excluded.updated_at
`, u.ID, u.Username, u.DisplayName, toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at, updated_at
FROM users WHERE id = ?
`, userID)
	return scanUser(row)
}

// GetUserByUsername fetches a user by canonical username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(username) == "" {
		return user.User{}, fmt.Errorf("username is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at, updated_at
FROM users WHERE username = ?
`, username)
	return scanUser(row)
}

// DeleteUser removes the user and cascades to credentials and sessions in one
// transaction, so a concurrent session validation cannot observe a half-deleted
// account.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (user.User, error) {
	var (
		found                user.User
		createdAt, updatedAt int64
	)
	err := row.Scan(&found.ID, &found.Username, &found.DisplayName, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	found.CreatedAt = fromMillis(createdAt)
	found.UpdatedAt = fromMillis(updatedAt)
	return found, nil
}
