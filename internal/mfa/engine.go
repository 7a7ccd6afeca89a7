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

package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/Stock-Loan/sole-backend/internal/config"
	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
)

// Domain errors
var (
	ErrInvalidCode      = errors.New("mfa code is invalid")
	ErrNotEnrolled      = errors.New("identity is not enrolled in mfa")
	ErrAlreadyEnrolled  = errors.New("identity is already enrolled in mfa")
	ErrStoreUnavailable = errors.New("shared store unavailable")
)

// Requirement is the MFA decision for one authentication attempt.
type Requirement int

const (
	// RequirementNone lets the attempt proceed on the password alone.
	RequirementNone Requirement = iota
	// RequirementChallenge demands a valid TOTP or recovery code.
	RequirementChallenge
	// RequirementEnrollment redirects to enrollment: the policy demands
	// MFA but the identity has not proven possession of a secret yet.
	RequirementEnrollment
)

const (
	recoveryCodeCount  = 10
	recoveryCodeLength = 8
	// Excludes characters that read ambiguously: 0/O, 1/I.
	recoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	deviceTokenBytes = 32
)

// Enrollment is returned by BeginEnrollment for the user to load into an
// authenticator app. The plaintext secret is never persisted.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

// Engine manages TOTP enrollment, code verification with replay protection,
// recovery codes and the remembered-device bypass. All cross-request state
// lives in the shared fast store under expiring keys.
type Engine struct {
	store  identity.Store
	redis  *redis.Client
	cipher *SecretCipher

	issuer    string
	digits    otp.Digits
	period    uint
	skewSteps int
	opTimeout time.Duration

	now func() time.Time
}

// NewEngine creates an MFA engine.
func NewEngine(store identity.Store, client *redis.Client, cipher *SecretCipher, cfg config.MFAConfig, opTimeout time.Duration) *Engine {
	return &Engine{
		store:     store,
		redis:     client,
		cipher:    cipher,
		issuer:    cfg.Issuer,
		digits:    otp.Digits(cfg.Digits),
		period:    uint(cfg.PeriodSeconds),
		skewSteps: cfg.SkewSteps,
		opTimeout: opTimeout,
		now:       time.Now,
	}
}

// Evaluate decides the MFA requirement for one authentication attempt.
// MFA is required when the identity enrolled, the org demands it, the role
// is administrative, or the action is org-gated. A required-but-unenrolled
// identity must enroll rather than bypass.
func (e *Engine) Evaluate(ident *identity.Identity, t *tenant.Tenant, action string) Requirement {
	required := ident.MFAEnabled ||
		t.Settings.RequireTwoFactor ||
		ident.IsAdmin() ||
		(action != "" && t.Settings.RequiresAction(action))

	switch {
	case !required:
		return RequirementNone
	case ident.MFAEnabled:
		return RequirementChallenge
	default:
		return RequirementEnrollment
	}
}

// BeginEnrollment generates a fresh TOTP secret and provisioning URI. The
// secret is stored encrypted but MFA stays disabled until the user proves
// possession via ConfirmEnrollment.
func (e *Engine) BeginEnrollment(ctx context.Context, ident *identity.Identity) (*Enrollment, error) {
	if ident.MFAEnabled {
		return nil, ErrAlreadyEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: ident.Email,
		Period:      e.period,
		Digits:      e.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	encrypted, err := e.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}
	if err := e.store.UpdateMFA(ctx, ident.ID, encrypted, false, nil); err != nil {
		return nil, fmt.Errorf("failed to stage enrollment: %w", err)
	}

	return &Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ConfirmEnrollment verifies one code against the staged secret, enables
// MFA and returns single-use recovery codes. Until this succeeds the
// identity is not enrolled.
func (e *Engine) ConfirmEnrollment(ctx context.Context, ident *identity.Identity, code string) ([]string, error) {
	if ident.MFAEnabled {
		return nil, ErrAlreadyEnrolled
	}
	if ident.MFASecretEncrypted == "" {
		return nil, ErrNotEnrolled
	}

	if err := e.verifyAgainstSecret(ctx, ident.ID, ident.MFASecretEncrypted, code); err != nil {
		return nil, err
	}

	confirmedAt := e.now()
	if err := e.store.UpdateMFA(ctx, ident.ID, ident.MFASecretEncrypted, true, &confirmedAt); err != nil {
		return nil, fmt.Errorf("failed to enable mfa: %w", err)
	}

	codes, hashes, err := newRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceRecoveryCodes(ctx, ident.ID, hashes); err != nil {
		return nil, fmt.Errorf("failed to store recovery codes: %w", err)
	}

	ident.MFAEnabled = true
	ident.MFAConfirmedAt = &confirmedAt
	return codes, nil
}

// VerifyCode checks a submitted time-based code against the identity's
// secret, tolerating the configured clock skew. A code succeeds at most
// once per time step.
func (e *Engine) VerifyCode(ctx context.Context, ident *identity.Identity, code string) error {
	if !ident.MFAEnabled || ident.MFASecretEncrypted == "" {
		return ErrNotEnrolled
	}
	if err := e.verifyAgainstSecret(ctx, ident.ID, ident.MFASecretEncrypted, code); err != nil {
		return err
	}
	e.migrateSecret(ctx, ident)
	return nil
}

// migrateSecret re-seals a secret still encrypted under the previous master
// secret. It runs only after the code verified, so the row is known good, and
// failures are swallowed: the next successful verification retries, and the
// rotation window keeps decryption working meanwhile.
func (e *Engine) migrateSecret(ctx context.Context, ident *identity.Identity) {
	if e.cipher.SealedWithCurrent(ident.MFASecretEncrypted) {
		return
	}
	rotated, err := e.cipher.ReEncrypt(ident.MFASecretEncrypted)
	if err != nil {
		return
	}
	if err := e.store.UpdateMFA(ctx, ident.ID, rotated, ident.MFAEnabled, ident.MFAConfirmedAt); err != nil {
		return
	}
	ident.MFASecretEncrypted = rotated
}

func (e *Engine) verifyAgainstSecret(ctx context.Context, identityID, encryptedSecret, code string) error {
	secret, err := e.cipher.Decrypt(encryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	now := e.now()
	opts := totp.ValidateOpts{
		Period:    e.period,
		Skew:      0,
		Digits:    e.digits,
		Algorithm: otp.AlgorithmSHA1,
	}

	// Walk the tolerance window one step at a time so the matched step is
	// known and can be marked spent.
	for offset := -e.skewSteps; offset <= e.skewSteps; offset++ {
		at := now.Add(time.Duration(offset) * time.Duration(e.period) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return fmt.Errorf("failed to compute totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) != 1 {
			continue
		}

		step := at.Unix() / int64(e.period)
		fresh, err := e.markStepUsed(ctx, identityID, step)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrInvalidCode
		}
		return nil
	}
	return ErrInvalidCode
}

// markStepUsed records that a code at this time step was accepted. The key
// outlives the tolerance window, so a replay within the window fails.
func (e *Engine) markStepUsed(ctx context.Context, identityID string, step int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	ttl := time.Duration(e.period) * time.Second * time.Duration(2*e.skewSteps+2)
	key := "mfa_used:" + identityID + ":" + strconv.FormatInt(step, 10)
	fresh, err := e.redis.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fresh, nil
}

// ConsumeRecoveryCode validates and burns one recovery code.
func (e *Engine) ConsumeRecoveryCode(ctx context.Context, ident *identity.Identity, code string) error {
	if !ident.MFAEnabled {
		return ErrNotEnrolled
	}
	ok, err := e.store.ConsumeRecoveryCode(ctx, ident.ID, hashRecoveryCode(code))
	if err != nil {
		return fmt.Errorf("failed to consume recovery code: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

// Disable turns MFA off for the identity, clears the stored secret and
// recovery codes, and invalidates every remembered device by bumping the
// device generation.
func (e *Engine) Disable(ctx context.Context, ident *identity.Identity) error {
	if err := e.store.UpdateMFA(ctx, ident.ID, "", false, nil); err != nil {
		return fmt.Errorf("failed to disable mfa: %w", err)
	}
	if err := e.store.ReplaceRecoveryCodes(ctx, ident.ID, nil); err != nil {
		return fmt.Errorf("failed to clear recovery codes: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	if err := e.redis.Incr(ctx, deviceGenKey(ident.ID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ident.MFAEnabled = false
	ident.MFASecretEncrypted = ""
	ident.MFAConfirmedAt = nil
	return nil
}

// RememberDevice stores a remembered-device record for the identity and
// returns the raw device token for the client to hold. Only a SHA-256 hash
// of the token is stored, under a key that expires after the org's
// remember window.
func (e *Engine) RememberDevice(ctx context.Context, ident *identity.Identity, days int) (string, error) {
	if days <= 0 {
		return "", nil
	}

	raw := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate device token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	gen, err := e.deviceGeneration(ctx, ident.ID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	ttl := time.Duration(days) * 24 * time.Hour
	if err := e.redis.Set(ctx, deviceKey(ident.ID, gen, hashDeviceToken(token)), 1, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, nil
}

// IsRemembered reports whether the device token names an unexpired
// remembered device for the identity. Absent or expired records mean the
// full challenge is required.
func (e *Engine) IsRemembered(ctx context.Context, ident *identity.Identity, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	gen, err := e.deviceGeneration(ctx, ident.ID)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	n, err := e.redis.Exists(ctx, deviceKey(ident.ID, gen, hashDeviceToken(token))).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// deviceGeneration reads the identity's current device generation. Bumping
// it orphans every key written under the previous generation, which is how
// Disable invalidates remembered devices without scanning.
func (e *Engine) deviceGeneration(ctx context.Context, identityID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	val, err := e.redis.Get(ctx, deviceGenKey(identityID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	gen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return gen, nil
}

func deviceKey(identityID string, gen int64, tokenHash string) string {
	return "rd:" + identityID + ":" + strconv.FormatInt(gen, 10) + ":" + tokenHash
}

func deviceGenKey(identityID string) string {
	return "rdgen:" + identityID
}

func hashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newRecoveryCodes produces recoveryCodeCount human-readable codes like
// "A1B2-C3D4" plus their storage hashes.
func newRecoveryCodes() ([]string, []string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	hashes := make([]string, 0, recoveryCodeCount)
	for range recoveryCodeCount {
		code, err := newRecoveryCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashRecoveryCode(code))
	}
	return codes, hashes, nil
}

func newRecoveryCode() (string, error) {
	buf := make([]byte, recoveryCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}
	out := make([]byte, recoveryCodeLength)
	for i, b := range buf {
		out[i] = recoveryCodeAlphabet[int(b)%len(recoveryCodeAlphabet)]
	}
	return string(out[:4]) + "-" + string(out[4:]), nil
}

func hashRecoveryCode(code string) string {
	normalized := ""
	for _, r := range code {
		if r == '-' || r == ' ' {
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		normalized += string(r)
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
