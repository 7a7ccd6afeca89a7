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
	"fmt"
	"os"

	"github.com/Stock-Loan/sole-backend/internal/audit"
	"github.com/Stock-Loan/sole-backend/internal/id"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
)

const (
	EnvBootstrapOrgID         = "SOLE_BOOTSTRAP_ORG_ID"
	EnvBootstrapOrgName       = "SOLE_BOOTSTRAP_ORG_NAME"
	EnvBootstrapAdminEmail    = "SOLE_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "SOLE_BOOTSTRAP_ADMIN_PASSWORD"
)

// BootstrapService seeds the initial org and superuser on a fresh install
type BootstrapService struct {
	store       Store
	tenantRepo  tenant.Repository
	hasher      *PasswordHasher
	auditLogger audit.Logger
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(
	store Store,
	tenantRepo tenant.Repository,
	hasher *PasswordHasher,
	auditLogger audit.Logger,
) *BootstrapService {
	return &BootstrapService{
		store:       store,
		tenantRepo:  tenantRepo,
		hasher:      hasher,
		auditLogger: auditLogger,
	}
}

// Bootstrap checks for bootstrap configuration and executes it if necessary.
// Missing env vars make it a no-op; an existing superuser makes it a no-op.
func (s *BootstrapService) Bootstrap(ctx context.Context) error {
	email := os.Getenv(EnvBootstrapAdminEmail)
	password := os.Getenv(EnvBootstrapAdminPassword)
	orgID := os.Getenv(EnvBootstrapOrgID)

	if email == "" || orgID == "" {
		return nil
	}
	if password == "" {
		return fmt.Errorf("%s is required when bootstrapping an admin", EnvBootstrapAdminPassword)
	}

	orgID, err := tenant.NormalizeOrgID(orgID)
	if err != nil {
		return fmt.Errorf("invalid bootstrap org id: %w", err)
	}

	// 1. Ensure the org exists
	if _, err := s.tenantRepo.GetByID(ctx, orgID); err != nil {
		if !errors.Is(err, tenant.ErrTenantNotFound) {
			return fmt.Errorf("failed to look up bootstrap org: %w", err)
		}
		name := os.Getenv(EnvBootstrapOrgName)
		if name == "" {
			name = orgID
		}
		t := &tenant.Tenant{
			ID:     orgID,
			Name:   name,
			Slug:   orgID,
			Status: tenant.StatusActive,
		}
		if err := s.tenantRepo.Create(ctx, t); err != nil {
			return fmt.Errorf("failed to create bootstrap org: %w", err)
		}
	}

	// 2. Skip when the superuser already exists
	existing, err := s.store.FindByEmail(ctx, orgID, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to check for existing superuser: %w", err)
	}
	if existing != nil {
		return nil
	}

	// 3. Create the superuser
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash bootstrap password: %w", err)
	}
	ident := &Identity{
		ID:           id.NewUUIDv7(),
		OrgID:        orgID,
		Email:        email,
		PasswordHash: hash,
		Roles:        []string{RoleSuperuser},
		Active:       true,
	}
	if err := s.store.Create(ctx, ident); err != nil {
		return fmt.Errorf("failed to create bootstrap superuser: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeBootstrap,
		TenantID: orgID,
		ActorID:  ident.ID,
		Resource: "superuser",
		Metadata: map[string]any{"email": email},
	})

	fmt.Printf("Successfully bootstrapped superuser %s (org: %s)\n", email, orgID)
	return nil
}
