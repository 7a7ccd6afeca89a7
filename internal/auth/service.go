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

// Package auth composes tenant resolution, the credential store, the login
// throttle, the MFA engine and the token codec into the end-to-end login,
// refresh and per-request authorization decisions. Every failure is
// terminal for its attempt; a store timeout denies, never allows.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Stock-Loan/sole-backend/internal/audit"
	"github.com/Stock-Loan/sole-backend/internal/config"
	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/mfa"
	"github.com/Stock-Loan/sole-backend/internal/observability/metrics"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
	"github.com/Stock-Loan/sole-backend/internal/throttle"
	"github.com/Stock-Loan/sole-backend/internal/token"
)

// minPasswordLength is the floor enforced on password changes.
const minPasswordLength = 8

// Service is the auth orchestrator.
type Service struct {
	resolver *tenant.Resolver
	store    identity.Store
	hasher   *identity.PasswordHasher

	loginThrottle *throttle.Throttle
	ipThrottle    *throttle.Throttle
	mfaThrottle   *throttle.Throttle

	codec    *token.Codec
	rotation *token.RotationStore
	engine   *mfa.Engine

	auditLogger audit.Logger
	metrics     *metrics.AuthMetrics

	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration

	// countMFAFailures couples MFA-code failures to the main lockout
	// counter; the retry budget applies either way.
	countMFAFailures bool
}

// NewService creates the auth orchestrator.
func NewService(
	resolver *tenant.Resolver,
	store identity.Store,
	hasher *identity.PasswordHasher,
	loginThrottle, ipThrottle, mfaThrottle *throttle.Throttle,
	codec *token.Codec,
	rotation *token.RotationStore,
	engine *mfa.Engine,
	auditLogger audit.Logger,
	authMetrics *metrics.AuthMetrics,
	cfg *config.Config,
) *Service {
	return &Service{
		resolver:         resolver,
		store:            store,
		hasher:           hasher,
		loginThrottle:    loginThrottle,
		ipThrottle:       ipThrottle,
		mfaThrottle:      mfaThrottle,
		codec:            codec,
		rotation:         rotation,
		engine:           engine,
		auditLogger:      auditLogger,
		metrics:          authMetrics,
		accessTTL:        cfg.JWT.AccessTokenTTL,
		refreshTTL:       cfg.JWT.RefreshTokenTTL,
		challengeTTL:     cfg.JWT.ChallengeTokenTTL,
		countMFAFailures: cfg.MFA.CountFailuresToLock,
	}
}

// Login runs the password phase of the login flow: tenant resolution,
// throttle check, credential verification, MFA requirement evaluation.
// It returns issued tokens, a pending challenge, or a required enrollment.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	t, err := s.resolver.Resolve(ctx, tenant.Request{HeaderOrgID: in.HeaderOrgID, Host: in.Host})
	if err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	identityKey := loginKey(t.ID, email)

	// Locked keys never reach a password comparison, regardless of what
	// was submitted.
	if err := s.loginThrottle.Check(ctx, identityKey); err != nil {
		s.metrics.LoginAttempt(ctx, "locked")
		return nil, err
	}
	if in.ClientIP != "" {
		if err := s.ipThrottle.Check(ctx, ipKey(t.ID, in.ClientIP)); err != nil {
			s.metrics.LoginAttempt(ctx, "locked")
			return nil, err
		}
	}

	ident, err := s.store.FindByEmail(ctx, t.ID, email)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		// A store outage is not an answer about the identity: no decoy,
		// no strike, or retries during a blip would lock the user out.
		return nil, fmt.Errorf("%w: %v", identity.ErrStoreUnavailable, err)
	}
	if err != nil || !ident.Active {
		// Burn a comparison so unknown emails cost the same as wrong
		// passwords, then record the strike.
		s.hasher.VerifyDecoy(in.Password)
		if ferr := s.recordLoginFailure(ctx, t.ID, identityKey, in.ClientIP); ferr != nil {
			return nil, ferr
		}
		s.auditFailure(ctx, t.ID, "", in, "identity_not_found")
		s.metrics.LoginAttempt(ctx, "failure")
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.Verify(in.Password, ident.PasswordHash)
	if err != nil || !ok {
		if ferr := s.recordLoginFailure(ctx, t.ID, identityKey, in.ClientIP); ferr != nil {
			return nil, ferr
		}
		s.auditFailure(ctx, t.ID, ident.ID, in, "invalid_password")
		s.metrics.LoginAttempt(ctx, "failure")
		return nil, ErrInvalidCredentials
	}

	if err := s.loginThrottle.RecordSuccess(ctx, identityKey); err != nil {
		return nil, err
	}
	s.metrics.LoginAttempt(ctx, "success")

	switch s.engine.Evaluate(ident, t, in.Action) {
	case mfa.RequirementNone:
		return s.completeAuthentication(ctx, ident, t, in.ClientIP, in.UserAgent)

	case mfa.RequirementChallenge:
		remembered, err := s.engine.IsRemembered(ctx, ident, in.DeviceToken)
		if err != nil {
			return nil, err
		}
		if remembered {
			return s.completeAuthentication(ctx, ident, t, in.ClientIP, in.UserAgent)
		}
		return s.issueChallenge(ctx, ident, t, false, in.Action)

	default: // mfa.RequirementEnrollment
		return s.issueChallenge(ctx, ident, t, true, in.Action)
	}
}

// CompleteLogin finishes a challenged login with a TOTP or recovery code.
// A wrong code consumes the challenge's retry budget (and, when configured,
// a main lockout strike); exhausting the budget burns the challenge and
// forces a restart from Login.
func (s *Service) CompleteLogin(ctx context.Context, in CompleteLoginInput) (*LoginResult, error) {
	ident, t, claims, err := s.resolveChallenge(ctx, in.ChallengeToken, in.HeaderOrgID, in.Host)
	if err != nil {
		return nil, err
	}

	used, err := s.rotation.IsUsed(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, token.ErrRevoked
	}

	retryKey := mfaRetryKey(claims.ID)
	if err := s.mfaThrottle.Check(ctx, retryKey); err != nil {
		return nil, ErrMFARetryExhausted
	}

	verifyErr := s.verifyChallengeCode(ctx, ident, in)
	if verifyErr != nil {
		strike, err := s.mfaThrottle.RecordFailure(ctx, retryKey)
		if err != nil {
			return nil, err
		}
		if s.countMFAFailures {
			if ferr := s.recordLoginFailure(ctx, t.ID, loginKey(t.ID, ident.Email), in.ClientIP); ferr != nil {
				return nil, ferr
			}
		}
		s.auditLogger.Log(ctx, audit.Event{
			Type:      audit.TypeMFAChallengeFailed,
			TenantID:  t.ID,
			ActorID:   ident.ID,
			Resource:  "login",
			IPAddress: in.ClientIP,
			UserAgent: in.UserAgent,
			Metadata:  map[string]any{audit.AttrAttempts: strike.Attempts},
		})
		if strike.Locked() {
			// Burn the challenge; the caller restarts from Login.
			_, _ = s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
			return nil, ErrMFARetryExhausted
		}
		return nil, verifyErr
	}

	// Single-use: a challenge that issued tokens never issues them again.
	fresh, err := s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, token.ErrRevoked
	}
	_ = s.mfaThrottle.RecordSuccess(ctx, retryKey)

	result, err := s.completeAuthentication(ctx, ident, t, in.ClientIP, in.UserAgent)
	if err != nil {
		return nil, err
	}

	if in.RememberDevice {
		deviceToken, err := s.engine.RememberDevice(ctx, ident, t.Settings.RememberDeviceDays)
		if err != nil {
			return nil, err
		}
		if deviceToken != "" {
			result.DeviceToken = deviceToken
			s.auditLogger.Log(ctx, audit.Event{
				Type:      audit.TypeDeviceRemembered,
				TenantID:  t.ID,
				ActorID:   ident.ID,
				Resource:  "mfa_device",
				IPAddress: in.ClientIP,
				UserAgent: in.UserAgent,
			})
		}
	}

	return result, nil
}

// ConfirmEnrollmentLogin finishes an enrollment-required login in one step:
// it proves possession of the staged secret, enables MFA, burns the
// challenge and issues the token pair. The recovery codes are returned
// exactly once.
func (s *Service) ConfirmEnrollmentLogin(ctx context.Context, in CompleteLoginInput) (*LoginResult, []string, error) {
	ident, t, claims, err := s.resolveChallenge(ctx, in.ChallengeToken, in.HeaderOrgID, in.Host)
	if err != nil {
		return nil, nil, err
	}

	used, err := s.rotation.IsUsed(ctx, claims.ID)
	if err != nil {
		return nil, nil, err
	}
	if used {
		return nil, nil, token.ErrRevoked
	}

	retryKey := mfaRetryKey(claims.ID)
	if err := s.mfaThrottle.Check(ctx, retryKey); err != nil {
		return nil, nil, ErrMFARetryExhausted
	}

	codes, confirmErr := s.engine.ConfirmEnrollment(ctx, ident, in.Code)
	if confirmErr != nil {
		strike, err := s.mfaThrottle.RecordFailure(ctx, retryKey)
		if err != nil {
			return nil, nil, err
		}
		if strike.Locked() {
			_, _ = s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
			return nil, nil, ErrMFARetryExhausted
		}
		return nil, nil, confirmErr
	}

	fresh, err := s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, nil, err
	}
	if !fresh {
		return nil, nil, token.ErrRevoked
	}
	_ = s.mfaThrottle.RecordSuccess(ctx, retryKey)

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeMFAEnrolled,
		TenantID:  t.ID,
		ActorID:   ident.ID,
		Resource:  "mfa",
		IPAddress: in.ClientIP,
		UserAgent: in.UserAgent,
	})

	result, err := s.completeAuthentication(ctx, ident, t, in.ClientIP, in.UserAgent)
	if err != nil {
		return nil, nil, err
	}

	if in.RememberDevice {
		deviceToken, err := s.engine.RememberDevice(ctx, ident, t.Settings.RememberDeviceDays)
		if err != nil {
			return nil, nil, err
		}
		result.DeviceToken = deviceToken
	}

	return result, codes, nil
}

// Refresh rotates a refresh token into a new pair. Presenting an
// already-rotated token is treated as theft: the identity's token version
// is bumped, revoking every outstanding token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.codec.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}

	fresh, err := s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if _, err := s.store.BumpTokenVersion(ctx, claims.Subject); err == nil {
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeRefreshReuse,
				TenantID: claims.OrgID,
				ActorID:  claims.Subject,
				Resource: "refresh_token",
			})
		}
		return nil, token.ErrRevoked
	}

	ident, err := s.loadIdentity(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.TokenVersion != ident.TokenVersion {
		return nil, token.ErrRevoked
	}

	t, err := s.resolver.Resolve(ctx, tenant.Request{
		HeaderOrgID: claims.OrgID,
		TokenOrgID:  claims.OrgID,
		Superuser:   ident.IsSuperuser(),
	})
	if err != nil {
		return nil, err
	}

	result, err := s.issuePair(ctx, ident, t)
	if err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		TenantID: t.ID,
		ActorID:  ident.ID,
		Resource: "refresh_token",
	})
	return result.Tokens, nil
}

// Authorize verifies an access token against the current public key,
// re-resolves the tenant and asserts the org claim matches. Superusers may
// act against any resolved tenant.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*Principal, error) {
	claims, err := s.codec.Verify(in.BearerToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}

	ident, err := s.loadIdentity(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.TokenVersion != ident.TokenVersion {
		return nil, token.ErrRevoked
	}

	t, err := s.resolver.Resolve(ctx, tenant.Request{
		HeaderOrgID: in.HeaderOrgID,
		Host:        in.Host,
		TokenOrgID:  claims.OrgID,
		Superuser:   ident.IsSuperuser(),
	})
	if err != nil {
		return nil, err
	}

	return &Principal{Identity: ident, Tenant: t, Claims: claims}, nil
}

// Logout spends the refresh token so it cannot rotate again. Verification
// failures are reported but carry no state to clean up.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.codec.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return err
	}
	if _, err := s.rotation.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLogout,
		TenantID: claims.OrgID,
		ActorID:  claims.Subject,
		Resource: "refresh_token",
	})
	return nil
}

// BeginEnrollment stages a TOTP secret for the identity.
func (s *Service) BeginEnrollment(ctx context.Context, ident *identity.Identity) (*mfa.Enrollment, error) {
	return s.engine.BeginEnrollment(ctx, ident)
}

// ConfirmEnrollment proves possession of the staged secret, enables MFA and
// returns the recovery codes.
func (s *Service) ConfirmEnrollment(ctx context.Context, ident *identity.Identity, code string) ([]string, error) {
	codes, err := s.engine.ConfirmEnrollment(ctx, ident, code)
	if err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMFAEnrolled,
		TenantID: ident.OrgID,
		ActorID:  ident.ID,
		Resource: "mfa",
	})
	return codes, nil
}

// DisableMFA turns MFA off after a fresh proof: a currently valid TOTP code
// or an unused recovery code.
func (s *Service) DisableMFA(ctx context.Context, ident *identity.Identity, code, recoveryCode string) error {
	var proofErr error
	switch {
	case code != "":
		proofErr = s.engine.VerifyCode(ctx, ident, code)
	case recoveryCode != "":
		proofErr = s.engine.ConsumeRecoveryCode(ctx, ident, recoveryCode)
	default:
		proofErr = mfa.ErrInvalidCode
	}
	if proofErr != nil {
		return proofErr
	}

	if err := s.engine.Disable(ctx, ident); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMFADisabled,
		TenantID: ident.OrgID,
		ActorID:  ident.ID,
		Resource: "mfa",
	})
	return nil
}

// ChangePassword replaces the identity's password after re-proving the
// current one, bumps the token version so every outstanding token dies,
// and returns a fresh pair so the caller's session survives the cut.
func (s *Service) ChangePassword(ctx context.Context, ident *identity.Identity, t *tenant.Tenant, in ChangePasswordInput) (*TokenPair, error) {
	ok, err := s.hasher.Verify(in.CurrentPassword, ident.PasswordHash)
	if err != nil || !ok {
		s.auditFailure(ctx, t.ID, ident.ID, LoginInput{ClientIP: in.ClientIP, UserAgent: in.UserAgent}, "invalid_current_password")
		return nil, ErrInvalidCredentials
	}
	if len(in.NewPassword) < minPasswordLength || in.NewPassword == in.CurrentPassword {
		return nil, identity.ErrWeakPassword
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePassword(ctx, ident.ID, hash); err != nil {
		return nil, err
	}
	version, err := s.store.BumpTokenVersion(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	ident.TokenVersion = version

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypePasswordChanged,
		TenantID:  t.ID,
		ActorID:   ident.ID,
		Resource:  "password",
		IPAddress: in.ClientIP,
		UserAgent: in.UserAgent,
	})

	result, err := s.issuePair(ctx, ident, t)
	if err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// ResolveChallenge validates a challenge token and loads its identity and
// tenant. The transport layer uses it to authenticate enrollment calls made
// mid-login.
func (s *Service) ResolveChallenge(ctx context.Context, challengeToken, headerOrgID, host string) (*identity.Identity, *tenant.Tenant, error) {
	ident, t, _, err := s.resolveChallenge(ctx, challengeToken, headerOrgID, host)
	return ident, t, err
}

func (s *Service) resolveChallenge(ctx context.Context, challengeToken, headerOrgID, host string) (*identity.Identity, *tenant.Tenant, *token.Claims, error) {
	claims, err := s.codec.Verify(challengeToken, token.TypeChallenge)
	if err != nil {
		return nil, nil, nil, err
	}

	ident, err := s.loadIdentity(ctx, claims.Subject)
	if err != nil {
		return nil, nil, nil, err
	}
	if claims.TokenVersion != ident.TokenVersion {
		return nil, nil, nil, token.ErrRevoked
	}

	t, err := s.resolver.Resolve(ctx, tenant.Request{
		HeaderOrgID: headerOrgID,
		Host:        host,
		TokenOrgID:  claims.OrgID,
		Superuser:   ident.IsSuperuser(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return ident, t, claims, nil
}

// loadIdentity fetches the identity behind a verified token. A missing or
// deactivated identity maps to ErrInvalidCredentials; a store failure is
// surfaced as such so the transport answers 503 instead of 401.
func (s *Service) loadIdentity(ctx context.Context, id string) (*identity.Identity, error) {
	ident, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrStoreUnavailable, err)
	}
	if !ident.Active {
		return nil, ErrInvalidCredentials
	}
	return ident, nil
}

func (s *Service) verifyChallengeCode(ctx context.Context, ident *identity.Identity, in CompleteLoginInput) error {
	switch {
	case in.Code != "":
		return s.engine.VerifyCode(ctx, ident, in.Code)
	case in.RecoveryCode != "":
		return s.engine.ConsumeRecoveryCode(ctx, ident, in.RecoveryCode)
	default:
		return mfa.ErrInvalidCode
	}
}

func (s *Service) issuePair(ctx context.Context, ident *identity.Identity, t *tenant.Tenant) (*LoginResult, error) {
	access, _, err := s.codec.Issue(ident.ID, t.ID, ident.Roles, token.TypeAccess, ident.TokenVersion, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.codec.Issue(ident.ID, t.ID, ident.Roles, token.TypeRefresh, ident.TokenVersion, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	s.metrics.TokensIssued(ctx)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		TenantID: t.ID,
		ActorID:  ident.ID,
		Resource: "token",
	})

	return &LoginResult{Tokens: &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}}, nil
}

// completeAuthentication issues the pair for a fully proven login attempt
// and records the login-success audit event. Refresh rotations issue pairs
// without passing through here.
func (s *Service) completeAuthentication(ctx context.Context, ident *identity.Identity, t *tenant.Tenant, clientIP, userAgent string) (*LoginResult, error) {
	result, err := s.issuePair(ctx, ident, t)
	if err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeLoginSuccess,
		TenantID:  t.ID,
		ActorID:   ident.ID,
		Resource:  "login",
		IPAddress: clientIP,
		UserAgent: userAgent,
	})
	return result, nil
}

func (s *Service) issueChallenge(ctx context.Context, ident *identity.Identity, t *tenant.Tenant, enrollment bool, action string) (*LoginResult, error) {
	challenge, _, err := s.codec.Issue(ident.ID, t.ID, nil, token.TypeChallenge, ident.TokenVersion, s.challengeTTL)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"enrollment_required": enrollment}
	if action != "" {
		metadata[audit.AttrAction] = action
	}
	s.metrics.MFAChallenge(ctx)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMFAChallengeIssued,
		TenantID: t.ID,
		ActorID:  ident.ID,
		Resource: "login",
		Metadata: metadata,
	})

	return &LoginResult{
		ChallengeToken:     challenge,
		MFARequired:        !enrollment,
		EnrollmentRequired: enrollment,
	}, nil
}

// recordLoginFailure strikes the identity key and, when the client address
// is known, the address key. A strike that trips the lock is audited.
func (s *Service) recordLoginFailure(ctx context.Context, orgID, identityKey, clientIP string) error {
	strike, err := s.loginThrottle.RecordFailure(ctx, identityKey)
	if err != nil {
		return err
	}
	if strike.Locked() {
		s.metrics.Lockout(ctx)
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeUserLocked,
			TenantID: orgID,
			Resource: identityKey,
			Metadata: map[string]any{audit.AttrAttempts: strike.Attempts},
		})
	}
	if clientIP != "" {
		if _, err := s.ipThrottle.RecordFailure(ctx, ipKey(orgID, clientIP)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) auditFailure(ctx context.Context, orgID, actorID string, in LoginInput, reason string) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeLoginFailed,
		TenantID:  orgID,
		ActorID:   actorID,
		Resource:  "login",
		IPAddress: in.ClientIP,
		UserAgent: in.UserAgent,
		Metadata:  map[string]any{audit.AttrReason: reason},
	})
}

func loginKey(orgID, email string) string {
	return "login:" + orgID + ":" + email
}

func ipKey(orgID, ip string) string {
	return "login_ip:" + orgID + ":" + ip
}

func mfaRetryKey(jti string) string {
	return "mfa:" + jti
}
