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

package auth

import (
	"errors"

	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
	"github.com/Stock-Loan/sole-backend/internal/token"
)

// Domain errors. ErrInvalidCredentials deliberately covers both unknown
// identity and wrong password so callers cannot enumerate accounts.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMFARetryExhausted  = errors.New("mfa retry budget exhausted")
)

// LoginInput carries one password login attempt. OrgID and Host feed tenant
// resolution; DeviceToken, when present, may satisfy the MFA requirement via
// an unexpired remembered device.
type LoginInput struct {
	HeaderOrgID string
	Host        string
	Email       string
	Password    string
	DeviceToken string
	Action      string
	ClientIP    string
	UserAgent   string
}

// CompleteLoginInput finishes a challenged login. Exactly one of Code or
// RecoveryCode should be set.
type CompleteLoginInput struct {
	ChallengeToken string
	Code           string
	RecoveryCode   string
	RememberDevice bool
	HeaderOrgID    string
	Host           string
	ClientIP       string
	UserAgent      string
}

// ChangePasswordInput carries a password change for an already
// authenticated identity.
type ChangePasswordInput struct {
	CurrentPassword string
	NewPassword     string
	ClientIP        string
	UserAgent       string
}

// AuthorizeInput carries the metadata for a per-request authorization check.
type AuthorizeInput struct {
	BearerToken string
	HeaderOrgID string
	Host        string
}

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is the outcome of Login or CompleteLogin. Exactly one of the
// three shapes is populated: issued tokens, a pending MFA challenge, or a
// required enrollment (both challenge shapes carry ChallengeToken).
type LoginResult struct {
	Tokens             *TokenPair
	ChallengeToken     string
	MFARequired        bool
	EnrollmentRequired bool
	// DeviceToken is returned once when the caller asked to remember the
	// device during CompleteLogin.
	DeviceToken string
}

// Principal is the authenticated context attached to a verified request.
type Principal struct {
	Identity *identity.Identity
	Tenant   *tenant.Tenant
	Claims   *token.Claims
}

// Roles returns the verified role set.
func (p *Principal) Roles() []string {
	return p.Identity.Roles
}
