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

// InsertCredential stores a new credential. Uniqueness of the credential id is
// enforced by the primary key, so concurrent registrations of the same
// authenticator cannot both win.
func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (credential_id, user_id, credential_json, sign_count, created_at, updated_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, credential.CredentialID, credential.UserID, credential.CredentialJSON, credential.SignCount,
		toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt), lastUsed)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, credential_json, sign_count, created_at, updated_at, last_used_at
FROM credentials WHERE credential_id = ?
`, credentialID)
	return scanCredential(row)
}

// ListCredentialsByUser returns credentials for a user.
func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, credential_json, sign_count, created_at, updated_at, last_used_at
FROM credentials WHERE user_id = ? ORDER BY created_at
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialCounter applies the guarded counter update. The WHERE clause
// carries the expected counter so two authentications racing on the same
// credential serialize at the storage layer.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, expected uint32, updated storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(updated.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if updated.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*updated.LastUsedAt), Valid: true}
	}
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET credential_json = ?, sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND sign_count = ?
`, updated.CredentialJSON, updated.SignCount, toMillis(updated.UpdatedAt), lastUsed, credentialID, expected)
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetCredential(ctx, credentialID); errors.Is(getErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrCounterConflict
	}
	return nil
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, "DELETE FROM credentials WHERE credential_id = ?", credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var (
		credential           storage.Credential
		createdAt, updatedAt int64
		lastUsed             sql.NullInt64
	)
	err := row.Scan(&credential.CredentialID, &credential.UserID, &credential.CredentialJSON,
		&credential.SignCount, &createdAt, &updatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}
