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

// PutCeremony stores an issued challenge and its pending ceremony state.
func (s *Store) PutCeremony(ctx context.Context, ceremony storage.Ceremony) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ceremony.ID) == "" {
		return fmt.Errorf("ceremony id is required")
	}
	if strings.TrimSpace(ceremony.Kind) == "" {
		return fmt.Errorf("ceremony kind is required")
	}
	if strings.TrimSpace(ceremony.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	userID := sql.NullString{}
	if strings.TrimSpace(ceremony.UserID) != "" {
		userID = sql.NullString{String: ceremony.UserID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ceremonies (id, kind, user_id, username, display_name, session_json, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ceremony.ID, ceremony.Kind, userID, ceremony.Username, ceremony.DisplayName,
		ceremony.SessionJSON, toMillis(ceremony.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put ceremony: %w", err)
	}
	return nil
}

// ConsumeCeremony atomically removes and returns the ceremony. The delete is
// the arbiter: exactly one concurrent caller observes an affected row, every
// other caller gets ErrNotFound. This is the replay guard, so it runs inside
// a transaction rather than a read-then-delete pair.
func (s *Store) ConsumeCeremony(ctx context.Context, ceremonyID, kind string) (storage.Ceremony, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ceremony{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Ceremony{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ceremonyID) == "" {
		return storage.Ceremony{}, fmt.Errorf("ceremony id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Ceremony{}, fmt.Errorf("begin consume ceremony: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		ceremony  storage.Ceremony
		userID    sql.NullString
		expiresAt int64
	)
	row := tx.QueryRowContext(ctx, `
SELECT id, kind, user_id, username, display_name, session_json, expires_at
FROM ceremonies WHERE id = ? AND kind = ?
`, ceremonyID, kind)
	err = row.Scan(&ceremony.ID, &ceremony.Kind, &userID, &ceremony.Username,
		&ceremony.DisplayName, &ceremony.SessionJSON, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Ceremony{}, storage.ErrNotFound
		}
		return storage.Ceremony{}, fmt.Errorf("scan ceremony: %w", err)
	}
	if userID.Valid {
		ceremony.UserID = userID.String
	}
	ceremony.ExpiresAt = fromMillis(expiresAt)

	result, err := tx.ExecContext(ctx, "DELETE FROM ceremonies WHERE id = ?", ceremonyID)
	if err != nil {
		return storage.Ceremony{}, fmt.Errorf("delete ceremony: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Ceremony{}, fmt.Errorf("delete ceremony rows affected: %w", err)
	}
	if affected == 0 {
		return storage.Ceremony{}, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return storage.Ceremony{}, fmt.Errorf("commit consume ceremony: %w", err)
	}
	return ceremony, nil
}

// DeleteExpiredCeremonies removes every ceremony past its expiry.
func (s *Store) DeleteExpiredCeremonies(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM ceremonies WHERE expires_at < ?", toMillis(now)); err != nil {
		return fmt.Errorf("delete expired ceremonies: %w", err)
	}
	return nil
}
