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
	"testing"

	"github.com/Stock-Loan/sole-backend/internal/config"
)

// MockRepository is a simple in-memory implementation of Repository. A
// non-nil getByIDErr forces lookups to fail as if the database were down.
type MockRepository struct {
	tenants    map[string]*Tenant
	getByIDErr error
}

func NewMockRepository(tenants ...*Tenant) *MockRepository {
	m := &MockRepository{tenants: make(map[string]*Tenant)}
	for _, t := range tenants {
		m.tenants[t.ID] = t
	}
	return m
}

func (m *MockRepository) Create(ctx context.Context, t *Tenant) error {
	m.tenants[t.ID] = t
	return nil
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*Tenant, error) {
	if m.getByIDErr != nil {
		return nil, m.getByIDErr
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

func (m *MockRepository) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	for _, t := range m.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *MockRepository) Update(ctx context.Context, t *Tenant) error {
	m.tenants[t.ID] = t
	return nil
}

func (m *MockRepository) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	return out, nil
}

func activeTenant(id string) *Tenant {
	return &Tenant{ID: id, Name: id, Slug: id, Status: StatusActive}
}

// TestPurpose: Validates single-tenant resolution: default org, matching header, mismatching header, superuser exemption.
// Scope: Unit Test
// Security: Tenant isolation - a request can never silently land in a foreign org.
// Expected: Default org resolves with no header; a foreign header is ErrTenantMismatch unless superuser.
// Test Case ID: TEN-03
func TestResolver_SingleMode(t *testing.T) {
	repo := NewMockRepository(activeTenant("default"), activeTenant("other"))
	r := NewResolver(config.TenancyConfig{Mode: config.TenancyModeSingle, DefaultOrgID: "default"}, repo)
	ctx := context.Background()

	// No header resolves the default org
	resolved, err := r.Resolve(ctx, Request{})
	if err != nil {
		t.Fatalf("expected default org, got %v", err)
	}
	if resolved.ID != "default" {
		t.Errorf("expected default, got %s", resolved.ID)
	}

	// Matching header is fine
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "default"}); err != nil {
		t.Errorf("expected matching header to resolve, got %v", err)
	}

	// A foreign header is a mismatch
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "other"}); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}

	// Superusers may address any org
	resolved, err = r.Resolve(ctx, Request{HeaderOrgID: "other", Superuser: true})
	if err != nil {
		t.Fatalf("expected superuser to cross orgs, got %v", err)
	}
	if resolved.ID != "other" {
		t.Errorf("expected other, got %s", resolved.ID)
	}
}

// TestPurpose: Validates multi-tenant resolution from header and subdomain, and failure when neither is present.
// Scope: Unit Test
// Security: Fail-closed tenant resolution in multi-tenant mode.
// Expected: Header wins over subdomain; subdomain used as fallback; no identifier is ErrTenantRequired.
// Test Case ID: TEN-04
func TestResolver_MultiMode(t *testing.T) {
	repo := NewMockRepository(activeTenant("acme"), activeTenant("globex"))
	r := NewResolver(config.TenancyConfig{Mode: config.TenancyModeMulti}, repo)
	ctx := context.Background()

	// Header identifier
	resolved, err := r.Resolve(ctx, Request{HeaderOrgID: "acme"})
	if err != nil {
		t.Fatalf("expected header resolution, got %v", err)
	}
	if resolved.ID != "acme" {
		t.Errorf("expected acme, got %s", resolved.ID)
	}

	// Subdomain fallback, port stripped
	resolved, err = r.Resolve(ctx, Request{Host: "globex.gate.example.com:8443"})
	if err != nil {
		t.Fatalf("expected subdomain resolution, got %v", err)
	}
	if resolved.ID != "globex" {
		t.Errorf("expected globex, got %s", resolved.ID)
	}

	// Header wins when both are present
	resolved, err = r.Resolve(ctx, Request{HeaderOrgID: "acme", Host: "globex.gate.example.com"})
	if err != nil || resolved.ID != "acme" {
		t.Errorf("expected header to win, got %v / %v", resolved, err)
	}

	// Plain hosts carry no org
	if _, err := r.Resolve(ctx, Request{Host: "localhost:8080"}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("expected ErrTenantRequired for bare host, got %v", err)
	}
	if _, err := r.Resolve(ctx, Request{}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("expected ErrTenantRequired with no identifier, got %v", err)
	}

	// Unknown org
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "initech"}); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}

	// Malformed identifier maps to not-found, not to a default
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "Bad Org!"}); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound for malformed id, got %v", err)
	}
}

// TestPurpose: Validates that a verified token's org claim must agree with the resolved tenant.
// Scope: Unit Test
// Security: Cross-org token replay is rejected; only superusers cross boundaries.
// Expected: ErrTenantMismatch when the token org differs, success for superusers.
// Test Case ID: TEN-05
func TestResolver_TokenOrgClaim(t *testing.T) {
	repo := NewMockRepository(activeTenant("acme"), activeTenant("globex"))
	r := NewResolver(config.TenancyConfig{Mode: config.TenancyModeMulti}, repo)
	ctx := context.Background()

	// Token minted for globex used against acme
	_, err := r.Resolve(ctx, Request{HeaderOrgID: "acme", TokenOrgID: "globex"})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}

	// Same org is fine
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "acme", TokenOrgID: "acme"}); err != nil {
		t.Errorf("expected match to resolve, got %v", err)
	}

	// Superuser exemption
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "acme", TokenOrgID: "globex", Superuser: true}); err != nil {
		t.Errorf("expected superuser to cross orgs, got %v", err)
	}
}

// TestPurpose: Validates that inactive tenants never resolve.
// Scope: Unit Test
// Expected: ErrTenantNotFound for a suspended org.
// Test Case ID: TEN-06
func TestResolver_InactiveTenant(t *testing.T) {
	suspended := &Tenant{ID: "acme", Name: "acme", Slug: "acme", Status: StatusInactive}
	r := NewResolver(config.TenancyConfig{Mode: config.TenancyModeMulti}, NewMockRepository(suspended))

	if _, err := r.Resolve(context.Background(), Request{HeaderOrgID: "acme"}); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound for inactive tenant, got %v", err)
	}
}

// TestPurpose: Validates that a repository failure resolves to a store error, not to a missing tenant.
// Scope: Unit Test
// Security: A database outage must surface as retryable, never claim the org does not exist.
// Expected: ErrStoreUnavailable during the outage, normal resolution after.
// Test Case ID: TEN-07
func TestResolver_RepositoryOutage(t *testing.T) {
	repo := NewMockRepository(activeTenant("acme"))
	r := NewResolver(config.TenancyConfig{Mode: config.TenancyModeMulti}, repo)
	ctx := context.Background()

	repo.getByIDErr = errors.New("connection refused")
	_, err := r.Resolve(ctx, Request{HeaderOrgID: "acme"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrTenantNotFound) {
		t.Fatal("repository outage must not look like a missing tenant")
	}

	repo.getByIDErr = nil
	if _, err := r.Resolve(ctx, Request{HeaderOrgID: "acme"}); err != nil {
		t.Errorf("expected resolution after recovery, got %v", err)
	}
}
