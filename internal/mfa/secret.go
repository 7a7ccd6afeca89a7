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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// secretVersion tags ciphertexts with the key-derivation scheme that
	// produced them, so a future scheme can migrate old rows instead of
	// guessing.
	secretVersion = "v2"

	kdfIterations = 100_000
	kdfKeyLength  = 32
)

var errCiphertextInvalid = errors.New("mfa secret ciphertext is invalid")

// SecretCipher encrypts TOTP secrets at rest with AES-256-GCM under a key
// derived from the service master secret. A previous master secret, when
// configured, keeps decryption working through a rotation window; rotating
// without one invalidates every stored secret.
type SecretCipher struct {
	current  cipher.AEAD
	previous cipher.AEAD // nil outside rotation windows
}

// NewSecretCipher derives the AEAD keys. Fails when the master secret or
// salt is missing, which must abort startup.
func NewSecretCipher(masterSecret, previousMasterSecret, kdfSalt string) (*SecretCipher, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	if kdfSalt == "" {
		return nil, errors.New("kdf salt is required")
	}

	current, err := deriveAEAD(masterSecret, kdfSalt)
	if err != nil {
		return nil, err
	}

	sc := &SecretCipher{current: current}
	if previousMasterSecret != "" {
		prev, err := deriveAEAD(previousMasterSecret, kdfSalt)
		if err != nil {
			return nil, fmt.Errorf("previous master secret: %w", err)
		}
		sc.previous = prev
	}
	return sc, nil
}

// Encrypt seals a plaintext secret, producing "v2:<base64(nonce|ct)>".
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.current.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.current.Seal(nonce, nonce, []byte(plaintext), nil)
	return secretVersion + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a versioned ciphertext, trying the current key first and
// the previous one during rotation windows.
func (c *SecretCipher) Decrypt(encoded string) (string, error) {
	nonce, ct, err := c.decode(encoded)
	if err != nil {
		return "", err
	}

	plaintext, err := c.current.Open(nil, nonce, ct, nil)
	if err == nil {
		return string(plaintext), nil
	}

	if c.previous != nil {
		plaintext, prevErr := c.previous.Open(nil, nonce, ct, nil)
		if prevErr == nil {
			return string(plaintext), nil
		}
	}
	return "", errCiphertextInvalid
}

// SealedWithCurrent reports whether the ciphertext opens under the current
// key, i.e. needs no rotation migration. Malformed input reports false; the
// subsequent Decrypt rejects it properly.
func (c *SecretCipher) SealedWithCurrent(encoded string) bool {
	nonce, ct, err := c.decode(encoded)
	if err != nil {
		return false
	}
	_, err = c.current.Open(nil, nonce, ct, nil)
	return err == nil
}

// ReEncrypt re-seals a ciphertext under the current key. Used by the
// rotation migration to move rows off the previous master secret.
func (c *SecretCipher) ReEncrypt(encoded string) (string, error) {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

func (c *SecretCipher) decode(encoded string) (nonce, ct []byte, err error) {
	version, payload, found := strings.Cut(encoded, ":")
	if !found || version != secretVersion {
		return nil, nil, errCiphertextInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, nil, errCiphertextInvalid
	}
	if len(sealed) < c.current.NonceSize() {
		return nil, nil, errCiphertextInvalid
	}
	return sealed[:c.current.NonceSize()], sealed[c.current.NonceSize():], nil
}

func deriveAEAD(secret, salt string) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, kdfKeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build AEAD: %w", err)
	}
	return aead, nil
}
