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

package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthMetrics bundles the counters the auth flow records. A nil receiver is
// a no-op so tests can run without a meter.
type AuthMetrics struct {
	loginAttempts metric.Int64Counter
	lockouts      metric.Int64Counter
	mfaChallenges metric.Int64Counter
	tokensIssued  metric.Int64Counter
}

// NewAuthMetrics registers the auth counters on the meter.
func NewAuthMetrics(m *Meter) (*AuthMetrics, error) {
	loginAttempts, err := m.CreateCounter("auth.login.attempts", "Login attempts by result")
	if err != nil {
		return nil, err
	}
	lockouts, err := m.CreateCounter("auth.login.lockouts", "Lockouts triggered by repeated failures")
	if err != nil {
		return nil, err
	}
	mfaChallenges, err := m.CreateCounter("auth.mfa.challenges", "MFA challenges issued")
	if err != nil {
		return nil, err
	}
	tokensIssued, err := m.CreateCounter("auth.tokens.issued", "Access/refresh token pairs issued")
	if err != nil {
		return nil, err
	}
	return &AuthMetrics{
		loginAttempts: loginAttempts,
		lockouts:      lockouts,
		mfaChallenges: mfaChallenges,
		tokensIssued:  tokensIssued,
	}, nil
}

// LoginAttempt records one login attempt with its result label.
func (a *AuthMetrics) LoginAttempt(ctx context.Context, result string) {
	if a == nil {
		return
	}
	a.loginAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Lockout records one lockout trip.
func (a *AuthMetrics) Lockout(ctx context.Context) {
	if a == nil {
		return
	}
	a.lockouts.Add(ctx, 1)
}

// MFAChallenge records one issued MFA challenge.
func (a *AuthMetrics) MFAChallenge(ctx context.Context) {
	if a == nil {
		return
	}
	a.mfaChallenges.Add(ctx, 1)
}

// TokensIssued records one issued token pair.
func (a *AuthMetrics) TokensIssued(ctx context.Context) {
	if a == nil {
		return
	}
	a.tokensIssued.Add(ctx, 1)
}
