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

package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Stock-Loan/sole-backend/internal/config"
	"github.com/Stock-Loan/sole-backend/internal/id"
)

// Token types. Access and refresh tokens carry distinct type claims so one
// cannot be replayed as the other; challenge tokens reference a provisional
// login awaiting MFA.
const (
	TypeAccess    = "access"
	TypeRefresh   = "refresh"
	TypeChallenge = "challenge"
)

// Verification errors
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token is expired")
	ErrWrongType        = errors.New("token type does not match expected type")
	ErrRevoked          = errors.New("token has been revoked")
)

// Claims are the assertions embedded in every signed token.
type Claims struct {
	OrgID        string   `json:"org"`
	Roles        []string `json:"roles,omitempty"`
	TokenType    string   `json:"typ"`
	TokenVersion int      `json:"tv"`
	jwt.RegisteredClaims
}

// Codec signs and verifies bearer tokens with RS256. The private key signs,
// the public key verifies, so verification never needs the signing secret.
// Key material sits behind a RWMutex: Reload swaps in a rotated pair without
// a restart, at the documented cost of invalidating all outstanding tokens.
type Codec struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewCodec parses the configured key material. A failure here is a startup
// failure; the service must not serve with broken verification.
func NewCodec(cfg config.JWTConfig) (*Codec, error) {
	priv, pub, err := loadKeyPair(cfg)
	if err != nil {
		return nil, err
	}
	return &Codec{privateKey: priv, publicKey: pub}, nil
}

// Reload replaces the signing key pair. Tokens signed with the previous key
// stop verifying immediately.
func (c *Codec) Reload(cfg config.JWTConfig) error {
	priv, pub, err := loadKeyPair(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.privateKey = priv
	c.publicKey = pub
	c.mu.Unlock()
	return nil
}

// Issue signs a token of the given type bound to the subject, org, roles
// and token version. The JTI is a fresh UUIDv7.
func (c *Codec) Issue(subject, orgID string, roles []string, tokenType string, tokenVersion int, ttl time.Duration) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		OrgID:        orgID,
		Roles:        roles,
		TokenType:    tokenType,
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        id.NewUUIDv7(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	c.mu.RLock()
	key := c.privateKey
	c.mu.RUnlock()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token string against the current public key
// and the expected type. It is pure apart from reading the key.
func (c *Codec) Verify(tokenString, expectedType string) (*Claims, error) {
	c.mu.RLock()
	key := c.publicKey
	c.mu.RUnlock()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformed
		}
	}

	if claims.TokenType != expectedType {
		return nil, ErrWrongType
	}
	return claims, nil
}

func loadKeyPair(cfg config.JWTConfig) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privPEM, err := keyMaterial(cfg.PrivateKey, cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	pubPEM, err := keyMaterial(cfg.PublicKey, cfg.PublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: %w", err)
	}

	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse RSA public key: %w", err)
	}
	return priv, pub, nil
}

// keyMaterial prefers inline PEM and falls back to a file path.
func keyMaterial(inline, path string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return data, nil
	}
	return nil, errors.New("no key material configured")
}
