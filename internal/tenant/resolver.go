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
	"strings"

	"github.com/Stock-Loan/sole-backend/internal/config"
)

// Request carries the inbound metadata the resolver may consult. TokenOrgID
// is the org claim of an already-verified bearer token, empty when the
// request is unauthenticated.
type Request struct {
	HeaderOrgID string
	Host        string
	TokenOrgID  string
	Superuser   bool
}

// Resolver determines the active tenant for a request. It performs pure
// lookup and validation only and is safe to call before any authentication
// decision.
type Resolver struct {
	mode         string
	defaultOrgID string
	repo         Repository
}

// NewResolver creates a tenant resolver for the configured tenancy mode.
func NewResolver(cfg config.TenancyConfig, repo Repository) *Resolver {
	return &Resolver{
		mode:         cfg.Mode,
		defaultOrgID: cfg.DefaultOrgID,
		repo:         repo,
	}
}

// Resolve produces exactly one tenant for the request or fails closed.
//
// Single mode always resolves the configured default tenant; a differing
// explicit header is ErrTenantMismatch unless the caller is a superuser.
// Multi mode requires an explicit identifier from the header or a subdomain.
// A verified token's org claim must agree with the resolved tenant;
// superusers are exempt and may act against any resolved tenant.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Tenant, error) {
	orgID, err := r.candidateOrgID(req)
	if err != nil {
		return nil, err
	}

	t, err := r.repo.GetByID(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, ErrTenantNotFound
		}
		// A repository failure says nothing about the tenant; fail closed
		// without claiming it does not exist.
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !t.IsActive() {
		return nil, ErrTenantNotFound
	}

	if req.TokenOrgID != "" && req.TokenOrgID != t.ID && !req.Superuser {
		return nil, ErrTenantMismatch
	}

	return t, nil
}

func (r *Resolver) candidateOrgID(req Request) (string, error) {
	if r.mode == config.TenancyModeSingle {
		if req.HeaderOrgID != "" {
			header, err := NormalizeOrgID(req.HeaderOrgID)
			if err != nil {
				return "", ErrTenantNotFound
			}
			if header != r.defaultOrgID && !req.Superuser {
				return "", ErrTenantMismatch
			}
			return header, nil
		}
		return r.defaultOrgID, nil
	}

	candidate := req.HeaderOrgID
	if candidate == "" {
		candidate = subdomain(req.Host)
	}
	if candidate == "" {
		return "", ErrTenantRequired
	}

	normalized, err := NormalizeOrgID(candidate)
	if err != nil {
		return "", ErrTenantNotFound
	}
	return normalized, nil
}

// subdomain extracts the first label from a host with at least three
// dot-separated parts; plain hosts like "localhost" yield nothing.
func subdomain(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 3 {
		return parts[0]
	}
	return ""
}
