package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/taskpass/internal/services/auth/storage"
)

// PutSession persists an authenticated session.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	revoked := sql.NullInt64{}
	if session.RevokedAt != nil {
		revoked = sql.NullInt64{Int64: toMillis(*session.RevokedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, created_at, expires_at, revoked_at)
VALUES (?, ?, ?, ?, ?)
`, session.ID, session.UserID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt), revoked)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.Session{}, fmt.Errorf("session id is required")
	}

	var (
		session              storage.Session
		createdAt, expiresAt int64
		revoked              sql.NullInt64
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, created_at, expires_at, revoked_at
FROM sessions WHERE id = ?
`, sessionID)
	err := row.Scan(&session.ID, &session.UserID, &createdAt, &expiresAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if revoked.Valid {
		value := fromMillis(revoked.Int64)
		session.RevokedAt = &value
	}
	return session, nil
}

// RevokeSession marks a session revoked without deleting the row, keeping an
// audit trail of explicit logouts.
func (s *Store) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		toMillis(revokedAt), sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteSessionsByUser removes every session belonging to a user.
func (s *Store) DeleteSessionsByUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	return nil
}
