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
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/Stock-Loan/sole-backend/internal/config"
	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
)

// MockStore is an in-memory identity.Store sufficient for engine tests.
type MockStore struct {
	idents        map[string]*identity.Identity
	recoveryCodes map[string]map[string]bool // identity -> hash -> used
}

func NewMockStore(idents ...*identity.Identity) *MockStore {
	m := &MockStore{
		idents:        make(map[string]*identity.Identity),
		recoveryCodes: make(map[string]map[string]bool),
	}
	for _, i := range idents {
		m.idents[i.ID] = i
	}
	return m
}

func (m *MockStore) Create(ctx context.Context, ident *identity.Identity) error {
	if _, ok := m.idents[ident.ID]; ok {
		return identity.ErrAlreadyExists
	}
	m.idents[ident.ID] = ident
	return nil
}

func (m *MockStore) FindByEmail(ctx context.Context, orgID, email string) (*identity.Identity, error) {
	for _, i := range m.idents {
		if i.OrgID == orgID && i.Email == email {
			return i, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *MockStore) FindByID(ctx context.Context, id string) (*identity.Identity, error) {
	i, ok := m.idents[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return i, nil
}

func (m *MockStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	i, ok := m.idents[id]
	if !ok {
		return identity.ErrNotFound
	}
	i.PasswordHash = passwordHash
	return nil
}

func (m *MockStore) UpdateMFA(ctx context.Context, id, encryptedSecret string, enabled bool, confirmedAt *time.Time) error {
	i, ok := m.idents[id]
	if !ok {
		return identity.ErrNotFound
	}
	i.MFASecretEncrypted = encryptedSecret
	i.MFAEnabled = enabled
	i.MFAConfirmedAt = confirmedAt
	return nil
}

func (m *MockStore) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	i, ok := m.idents[id]
	if !ok {
		return 0, identity.ErrNotFound
	}
	i.TokenVersion++
	return i.TokenVersion, nil
}

func (m *MockStore) Deactivate(ctx context.Context, id string) error {
	i, ok := m.idents[id]
	if !ok {
		return identity.ErrNotFound
	}
	i.Active = false
	return nil
}

func (m *MockStore) ReplaceRecoveryCodes(ctx context.Context, id string, codeHashes []string) error {
	codes := make(map[string]bool, len(codeHashes))
	for _, h := range codeHashes {
		codes[h] = false
	}
	m.recoveryCodes[id] = codes
	return nil
}

func (m *MockStore) ConsumeRecoveryCode(ctx context.Context, id, codeHash string) (bool, error) {
	codes, ok := m.recoveryCodes[id]
	if !ok {
		return false, nil
	}
	used, ok := codes[codeHash]
	if !ok || used {
		return false, nil
	}
	codes[codeHash] = true
	return true, nil
}

func testEngine(t *testing.T, store identity.Store) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cipher, err := NewSecretCipher("master-secret", "", "kdf-salt")
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}

	e := NewEngine(store, client, cipher, config.MFAConfig{
		Issuer:        "sole-backend-test",
		Digits:        6,
		PeriodSeconds: 30,
		SkewSteps:     1,
	}, time.Second)
	return e, mr
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	return code
}

func memberIdentity() *identity.Identity {
	return &identity.Identity{
		ID:     "ident-1",
		OrgID:  "acme",
		Email:  "user@example.com",
		Roles:  []string{identity.RoleMember},
		Active: true,
	}
}

// TestPurpose: Validates requirement evaluation across identity enrollment, org policy, admin roles and gated actions.
// Scope: Unit Test
// Security: Required-but-unenrolled identities must enroll, never bypass.
// Expected: The documented precedence of None/Challenge/Enrollment outcomes.
// Test Case ID: MFA-04
func TestEngine_Evaluate(t *testing.T) {
	e, _ := testEngine(t, NewMockStore())

	plainOrg := &tenant.Tenant{ID: "acme", Status: tenant.StatusActive}
	strictOrg := &tenant.Tenant{ID: "acme", Status: tenant.StatusActive,
		Settings: tenant.Settings{RequireTwoFactor: true}}
	gatedOrg := &tenant.Tenant{ID: "acme", Status: tenant.StatusActive,
		Settings: tenant.Settings{MFARequiredActions: []string{"transfer_funds"}}}

	member := memberIdentity()
	enrolled := memberIdentity()
	enrolled.MFAEnabled = true
	admin := memberIdentity()
	admin.Roles = []string{identity.RoleAdmin}

	if got := e.Evaluate(member, plainOrg, ""); got != RequirementNone {
		t.Errorf("plain member: expected None, got %v", got)
	}
	if got := e.Evaluate(enrolled, plainOrg, ""); got != RequirementChallenge {
		t.Errorf("enrolled member: expected Challenge, got %v", got)
	}
	if got := e.Evaluate(member, strictOrg, ""); got != RequirementEnrollment {
		t.Errorf("unenrolled member in strict org: expected Enrollment, got %v", got)
	}
	if got := e.Evaluate(admin, plainOrg, ""); got != RequirementEnrollment {
		t.Errorf("unenrolled admin: expected Enrollment, got %v", got)
	}
	if got := e.Evaluate(member, gatedOrg, "transfer_funds"); got != RequirementEnrollment {
		t.Errorf("gated action: expected Enrollment, got %v", got)
	}
	if got := e.Evaluate(member, gatedOrg, "read_profile"); got != RequirementNone {
		t.Errorf("ungated action: expected None, got %v", got)
	}
}

// TestPurpose: Validates the two-step enrollment flow: staged secret, confirmation with a live code, recovery codes.
// Scope: Unit Test
// Security: MFA only becomes enforceable after possession is proven.
// Expected: BeginEnrollment stages but does not enable; ConfirmEnrollment with a valid code enables and returns 10 codes.
// Test Case ID: MFA-05
func TestEngine_EnrollmentFlow(t *testing.T) {
	ident := memberIdentity()
	store := NewMockStore(ident)
	e, _ := testEngine(t, store)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	enrollment, err := e.BeginEnrollment(context.Background(), ident)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if enrollment.Secret == "" || enrollment.ProvisioningURI == "" {
		t.Fatal("expected secret and provisioning URI")
	}
	if ident.MFAEnabled {
		t.Error("expected MFA to stay disabled until confirmation")
	}
	if ident.MFASecretEncrypted == "" {
		t.Error("expected staged encrypted secret")
	}

	// Wrong code does not confirm
	if _, err := e.ConfirmEnrollment(context.Background(), ident, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected ErrInvalidCode, got %v", err)
	}

	codes, err := e.ConfirmEnrollment(context.Background(), ident, codeAt(t, enrollment.Secret, now))
	if err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}
	if len(codes) != 10 {
		t.Errorf("expected 10 recovery codes, got %d", len(codes))
	}
	for _, c := range codes {
		if len(c) != 9 || c[4] != '-' {
			t.Errorf("unexpected recovery code shape: %q", c)
		}
	}
	if !ident.MFAEnabled || ident.MFAConfirmedAt == nil {
		t.Error("expected MFA enabled with confirmation timestamp")
	}

	// Re-enrollment of an enrolled identity is rejected
	if _, err := e.BeginEnrollment(context.Background(), ident); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

// TestPurpose: Validates TOTP verification across the skew window and replay rejection within it.
// Scope: Unit Test
// Security: An intercepted code must not be accepted twice.
// Expected: Codes from the previous/next step verify once; any repeat of an accepted step fails.
// Test Case ID: MFA-06
func TestEngine_VerifyCodeSkewAndReplay(t *testing.T) {
	ident := memberIdentity()
	store := NewMockStore(ident)
	e, _ := testEngine(t, store)

	now := time.Date(2026, 2, 10, 12, 0, 15, 0, time.UTC)
	e.now = func() time.Time { return now }

	enrollment, err := e.BeginEnrollment(context.Background(), ident)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if _, err := e.ConfirmEnrollment(context.Background(), ident, codeAt(t, enrollment.Secret, now)); err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}

	// Previous step, within skew
	previous := codeAt(t, enrollment.Secret, now.Add(-30*time.Second))
	if err := e.VerifyCode(context.Background(), ident, previous); err != nil {
		t.Fatalf("expected previous-step code to verify, got %v", err)
	}

	// Replay of the accepted step
	if err := e.VerifyCode(context.Background(), ident, previous); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected replay to fail, got %v", err)
	}

	// Next step, within skew
	next := codeAt(t, enrollment.Secret, now.Add(30*time.Second))
	if err := e.VerifyCode(context.Background(), ident, next); err != nil {
		t.Errorf("expected next-step code to verify, got %v", err)
	}

	// Two steps out is beyond the window
	stale := codeAt(t, enrollment.Secret, now.Add(-90*time.Second))
	if err := e.VerifyCode(context.Background(), ident, stale); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected out-of-window code to fail, got %v", err)
	}
}

// TestPurpose: Validates single-use recovery codes.
// Scope: Unit Test
// Expected: A code consumes exactly once, case- and hyphen-insensitively; unknown codes fail.
// Test Case ID: MFA-07
func TestEngine_RecoveryCodes(t *testing.T) {
	ident := memberIdentity()
	store := NewMockStore(ident)
	e, _ := testEngine(t, store)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	enrollment, err := e.BeginEnrollment(context.Background(), ident)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	codes, err := e.ConfirmEnrollment(context.Background(), ident, codeAt(t, enrollment.Secret, now))
	if err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}

	// Lowercase without the hyphen still matches
	relaxed := ""
	for _, r := range codes[0] {
		if r != '-' {
			relaxed += string(r | 0x20)
		}
	}
	if err := e.ConsumeRecoveryCode(context.Background(), ident, relaxed); err != nil {
		t.Fatalf("expected relaxed spelling to consume, got %v", err)
	}

	// Second use fails
	if err := e.ConsumeRecoveryCode(context.Background(), ident, codes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected consumed code to fail, got %v", err)
	}

	// Unknown code fails
	if err := e.ConsumeRecoveryCode(context.Background(), ident, "ZZZZ-ZZZZ"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected unknown code to fail, got %v", err)
	}
}

// TestPurpose: Validates remembered-device issuance, lookup, TTL expiry and bulk invalidation on disable.
// Scope: Unit Test
// Security: Disabling MFA must orphan every remembered device at once.
// Expected: Tokens match until expiry; Disable bumps the generation so old tokens stop matching.
// Test Case ID: MFA-08
func TestEngine_RememberedDevices(t *testing.T) {
	ident := memberIdentity()
	store := NewMockStore(ident)
	e, mr := testEngine(t, store)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	enrollment, err := e.BeginEnrollment(context.Background(), ident)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if _, err := e.ConfirmEnrollment(context.Background(), ident, codeAt(t, enrollment.Secret, now)); err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}

	// Zero remember window means no token
	token, err := e.RememberDevice(context.Background(), ident, 0)
	if err != nil || token != "" {
		t.Errorf("expected no token for zero window, got %q / %v", token, err)
	}

	token, err = e.RememberDevice(context.Background(), ident, 30)
	if err != nil {
		t.Fatalf("RememberDevice failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a device token")
	}

	ok, err := e.IsRemembered(context.Background(), ident, token)
	if err != nil || !ok {
		t.Fatalf("expected device to be remembered, got %v / %v", ok, err)
	}

	// Empty and foreign tokens never match
	if ok, _ := e.IsRemembered(context.Background(), ident, ""); ok {
		t.Error("expected empty token to not match")
	}
	if ok, _ := e.IsRemembered(context.Background(), ident, "bogus-token"); ok {
		t.Error("expected foreign token to not match")
	}

	// TTL expiry
	mr.FastForward(31 * 24 * time.Hour)
	if ok, _ := e.IsRemembered(context.Background(), ident, token); ok {
		t.Error("expected device to expire with the remember window")
	}

	// Fresh device, then disable invalidates it via the generation bump
	token, err = e.RememberDevice(context.Background(), ident, 30)
	if err != nil {
		t.Fatalf("RememberDevice failed: %v", err)
	}
	if err := e.Disable(context.Background(), ident); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if ident.MFAEnabled || ident.MFASecretEncrypted != "" {
		t.Error("expected disable to clear enrollment state")
	}
	if ok, _ := e.IsRemembered(context.Background(), ident, token); ok {
		t.Error("expected disable to invalidate remembered devices")
	}
}

// TestPurpose: Validates lazy re-encryption of stored secrets after a master-secret rotation.
// Scope: Unit Test
// Security: Rows sealed under the previous master secret must migrate off it so the rotation window can close.
// Expected: A successful verification re-seals the stored secret under the current key; a cipher without the old key can then decrypt it.
// Test Case ID: MFA-09
func TestEngine_RotationMigratesSecret(t *testing.T) {
	ident := memberIdentity()
	store := NewMockStore(ident)
	e, _ := testEngine(t, store)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	// Enroll under the original master secret.
	enrollment, err := e.BeginEnrollment(context.Background(), ident)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if _, err := e.ConfirmEnrollment(context.Background(), ident, codeAt(t, enrollment.Secret, now)); err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}
	sealed := ident.MFASecretEncrypted

	// Rotate: the engine now runs with a new current key and the old one
	// as previous.
	rotated, err := NewSecretCipher("rotated-secret", "master-secret", "kdf-salt")
	if err != nil {
		t.Fatalf("failed to build rotated cipher: %v", err)
	}
	e.cipher = rotated

	code := codeAt(t, enrollment.Secret, now.Add(30*time.Second))
	if err := e.VerifyCode(context.Background(), ident, code); err != nil {
		t.Fatalf("expected code to verify through the rotation window, got %v", err)
	}

	if ident.MFASecretEncrypted == sealed {
		t.Fatal("expected the stored secret to be re-sealed after verification")
	}
	if stored := store.idents[ident.ID].MFASecretEncrypted; stored != ident.MFASecretEncrypted {
		t.Fatal("expected the re-sealed secret to be persisted")
	}
	if !store.idents[ident.ID].MFAEnabled || store.idents[ident.ID].MFAConfirmedAt == nil {
		t.Error("expected migration to preserve enrollment state")
	}

	// The window can now close: a cipher with only the new key decrypts.
	closed, err := NewSecretCipher("rotated-secret", "", "kdf-salt")
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	if secret, err := closed.Decrypt(ident.MFASecretEncrypted); err != nil || secret != enrollment.Secret {
		t.Errorf("expected migrated secret to open under the current key alone, got %q / %v", secret, err)
	}

	// Already-migrated rows stay put on the next verification.
	migrated := ident.MFASecretEncrypted
	if err := e.VerifyCode(context.Background(), ident, codeAt(t, enrollment.Secret, now.Add(-30*time.Second))); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if ident.MFASecretEncrypted != migrated {
		t.Error("expected a current-key secret to be left alone")
	}
}
