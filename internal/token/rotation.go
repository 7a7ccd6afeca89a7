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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps shared-store failures. It is the only error
// kind eligible for caller-side retry.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// RotationStore tracks spent token ids in the shared fast store so a
// refresh token rotates exactly once and a challenge token issues tokens
// exactly once. Keys expire with the token itself, bounding memory without
// a sweeper.
type RotationStore struct {
	redis     *redis.Client
	opTimeout time.Duration
}

// NewRotationStore creates a rotation store over the shared Redis client.
func NewRotationStore(client *redis.Client, opTimeout time.Duration) *RotationStore {
	return &RotationStore{redis: client, opTimeout: opTimeout}
}

// MarkUsed records the JTI as spent until the token's natural
// expiry. Returns false when the JTI was already spent, which signals a
// replayed token.
func (s *RotationStore) MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; verification rejects it regardless.
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	first, err := s.redis.SetNX(ctx, usedKey(jti), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return first, nil
}

// IsUsed reports whether the JTI has already been spent.
func (s *RotationStore) IsUsed(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := s.redis.Exists(ctx, usedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

func usedKey(jti string) string {
	return "token_used:" + jti
}
