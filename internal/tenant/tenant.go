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

package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Domain errors
var (
	ErrTenantRequired = errors.New("tenant identifier is required")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantMismatch = errors.New("tenant does not match request context")
	ErrInvalidOrgID   = errors.New("invalid org id")
	// ErrStoreUnavailable marks tenant-repository failures that say nothing
	// about whether the tenant exists.
	ErrStoreUnavailable = errors.New("tenant store unavailable")
)

// Status constants
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Org id constraints
const (
	OrgIDMinLength = 2
	OrgIDMaxLength = 64
)

var orgIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Settings holds org-level MFA policy. Fields are enumerated and validated
// at load time rather than read out of an untyped settings bag.
type Settings struct {
	RequireTwoFactor   bool     `json:"require_two_factor"`
	MFARequiredActions []string `json:"mfa_required_actions"`
	RememberDeviceDays int      `json:"remember_device_days"`
}

// RequiresAction reports whether the given action tag is MFA-gated for
// this org.
func (s Settings) RequiresAction(action string) bool {
	for _, a := range s.MFARequiredActions {
		if a == action {
			return true
		}
	}
	return false
}

// Tenant represents an isolated organization boundary
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Status    string    `json:"status"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the tenant may serve requests
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// NormalizeOrgID canonicalizes an org identifier: trimmed, lowercased,
// 2..64 chars of [a-z0-9_-] with an alphanumeric first character.
func NormalizeOrgID(value string) (string, error) {
	cleaned := strings.ToLower(strings.TrimSpace(value))
	if len(cleaned) < OrgIDMinLength || len(cleaned) > OrgIDMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidOrgID, OrgIDMinLength, OrgIDMaxLength)
	}
	if !orgIDPattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: may only contain lowercase letters, numbers, '-' and '_'", ErrInvalidOrgID)
	}
	return cleaned, nil
}

// Repository defines the interface for tenant configuration storage
type Repository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
