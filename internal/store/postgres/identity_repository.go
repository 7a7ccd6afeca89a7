// Copyright 2026 The Sole Backend Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Stock-Loan/sole-backend/internal/id"
	"github.com/Stock-Loan/sole-backend/internal/identity"
)

// uniqueViolation is the Postgres error code raised when the
// (org_id, email) constraint rejects a duplicate.
const uniqueViolation = "23505"

// IdentityRepository implements identity.Store on Postgres.
type IdentityRepository struct {
	db *DB
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `
	id, org_id, email, password_hash, roles,
	mfa_enabled, mfa_secret_encrypted, mfa_confirmed_at,
	token_version, is_active, created_at, updated_at`

// Create creates a new identity
func (r *IdentityRepository) Create(ctx context.Context, ident *identity.Identity) error {
	now := time.Now()
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO identities (
			id, org_id, email, password_hash, roles,
			mfa_enabled, mfa_secret_encrypted, mfa_confirmed_at,
			token_version, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		ident.ID, ident.OrgID, ident.Email, ident.PasswordHash, ident.Roles,
		ident.MFAEnabled, ident.MFASecretEncrypted, ident.MFAConfirmedAt,
		ident.TokenVersion, ident.Active, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return identity.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	ident.CreatedAt = now
	ident.UpdatedAt = now
	return nil
}

// FindByEmail retrieves an identity by org and email
func (r *IdentityRepository) FindByEmail(ctx context.Context, orgID, email string) (*identity.Identity, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM identities
		WHERE org_id = $1 AND email = $2
	`, orgID, email)
	return scanIdentity(row)
}

// FindByID retrieves an identity by id
func (r *IdentityRepository) FindByID(ctx context.Context, identityID string) (*identity.Identity, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM identities
		WHERE id = $1
	`, identityID)
	return scanIdentity(row)
}

// UpdatePassword replaces the password hash
func (r *IdentityRepository) UpdatePassword(ctx context.Context, identityID, passwordHash string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE identities SET password_hash = $2, updated_at = now()
		WHERE id = $1
	`, identityID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// UpdateMFA sets the encrypted secret, the enabled flag and the
// confirmation timestamp
func (r *IdentityRepository) UpdateMFA(ctx context.Context, identityID, encryptedSecret string, enabled bool, confirmedAt *time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE identities
		SET mfa_secret_encrypted = $2, mfa_enabled = $3, mfa_confirmed_at = $4, updated_at = now()
		WHERE id = $1
	`, identityID, encryptedSecret, enabled, confirmedAt)
	if err != nil {
		return fmt.Errorf("failed to update mfa state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// BumpTokenVersion increments the identity's token version
func (r *IdentityRepository) BumpTokenVersion(ctx context.Context, identityID string) (int, error) {
	var version int
	err := r.db.pool.QueryRow(ctx, `
		UPDATE identities SET token_version = token_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING token_version
	`, identityID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, identity.ErrNotFound
		}
		return 0, fmt.Errorf("failed to bump token version: %w", err)
	}
	return version, nil
}

// Deactivate soft-disables the identity
func (r *IdentityRepository) Deactivate(ctx context.Context, identityID string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE identities SET is_active = FALSE, updated_at = now()
		WHERE id = $1
	`, identityID)
	if err != nil {
		return fmt.Errorf("failed to deactivate identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// ReplaceRecoveryCodes replaces all recovery code hashes for an identity
func (r *IdentityRepository) ReplaceRecoveryCodes(ctx context.Context, identityID string, codeHashes []string) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM mfa_recovery_codes WHERE identity_id = $1
	`, identityID); err != nil {
		return fmt.Errorf("failed to clear recovery codes: %w", err)
	}

	for _, hash := range codeHashes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mfa_recovery_codes (id, identity_id, code_hash)
			VALUES ($1, $2, $3)
		`, id.NewUUIDv7(), identityID, hash); err != nil {
			return fmt.Errorf("failed to insert recovery code: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ConsumeRecoveryCode marks a recovery code hash used exactly once
func (r *IdentityRepository) ConsumeRecoveryCode(ctx context.Context, identityID, codeHash string) (bool, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE mfa_recovery_codes SET used_at = now()
		WHERE identity_id = $1 AND code_hash = $2 AND used_at IS NULL
	`, identityID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var ident identity.Identity
	err := row.Scan(
		&ident.ID, &ident.OrgID, &ident.Email, &ident.PasswordHash, &ident.Roles,
		&ident.MFAEnabled, &ident.MFASecretEncrypted, &ident.MFAConfirmedAt,
		&ident.TokenVersion, &ident.Active, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	return &ident, nil
}
