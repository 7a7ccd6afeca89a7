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

package identity

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrNotFound      = errors.New("identity not found")
	ErrAlreadyExists = errors.New("identity already exists")
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrWeakPassword  = errors.New("password does not meet security requirements")
	ErrInactive      = errors.New("identity is disabled")
	// ErrStoreUnavailable marks credential-store failures that are not an
	// answer about the identity: callers must fail closed without treating
	// the attempt as a credential failure.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Roles. Superuser is the only role allowed to act across org boundaries;
// admin roles are MFA-gated on first login.
const (
	RoleSuperuser = "superuser"
	RoleAdmin     = "admin"
	RoleMember    = "member"
)

// Identity represents one user account. Email is unique only within an org:
// the same email string may denote distinct identities in different orgs.
type Identity struct {
	ID                 string
	OrgID              string
	Email              string
	PasswordHash       string
	Roles              []string
	MFAEnabled         bool
	MFASecretEncrypted string // versioned ciphertext, empty when not enrolled
	MFAConfirmedAt     *time.Time
	TokenVersion       int
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsSuperuser reports whether the identity may act across org boundaries.
func (i *Identity) IsSuperuser() bool {
	return i.HasRole(RoleSuperuser)
}

// IsAdmin reports whether the identity carries an administrative role.
func (i *Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin) || i.HasRole(RoleSuperuser)
}

// Store is the credential-store boundary. Implementations must enforce
// (org_id, email) uniqueness at the storage layer.
type Store interface {
	// Create creates a new identity
	Create(ctx context.Context, ident *Identity) error

	// FindByEmail retrieves an identity by org and email
	FindByEmail(ctx context.Context, orgID, email string) (*Identity, error)

	// FindByID retrieves an identity by id
	FindByID(ctx context.Context, id string) (*Identity, error)

	// UpdatePassword replaces the password hash
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// UpdateMFA sets the encrypted TOTP secret, the enabled flag and the
	// confirmation timestamp. An empty secret clears enrollment.
	UpdateMFA(ctx context.Context, id, encryptedSecret string, enabled bool, confirmedAt *time.Time) error

	// BumpTokenVersion increments the identity's token version, revoking
	// every outstanding token that carries the old version.
	BumpTokenVersion(ctx context.Context, id string) (int, error)

	// Deactivate soft-disables the identity. Identities are never
	// physically deleted.
	Deactivate(ctx context.Context, id string) error

	// ReplaceRecoveryCodes replaces all recovery code hashes for an identity
	ReplaceRecoveryCodes(ctx context.Context, id string, codeHashes []string) error

	// ConsumeRecoveryCode marks a recovery code hash used. Returns false
	// when the hash is unknown or already consumed.
	ConsumeRecoveryCode(ctx context.Context, id, codeHash string) (bool, error)
}
