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

// Package throttle bounds the rate of authentication attempts per identity
// and per client address. Counters live in the shared fast store behind
// atomic increment-with-expiry, so concurrent failures for the same key
// never under-count the lockout threshold and state survives node restarts.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps shared-store failures. Callers must treat it as
// fail-safe deny; it is the only retryable error kind.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// LockedError reports that the key is locked out and for how long. The
// retry-after hint is exposed to callers; the attempt count never is.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

// Strike describes the state change produced by RecordFailure, so the host
// application can sequence its own audit records around it.
type Strike struct {
	Attempts    int
	LockedUntil *time.Time
}

// Locked reports whether this strike tripped the lockout.
func (s Strike) Locked() bool {
	return s.LockedUntil != nil
}

// Throttle tracks failed authentication attempts per key and enforces
// temporary lockout. Within the window the lockout is monotonic: once
// locked, no credential check may run until the lock expires.
type Throttle struct {
	redis     *redis.Client
	limit     int
	window    time.Duration
	opTimeout time.Duration
}

// New creates a throttle. limit is the number of failures in a window that
// trips the lock; the lock itself lasts one full window.
func New(client *redis.Client, limit int, window, opTimeout time.Duration) *Throttle {
	return &Throttle{
		redis:     client,
		limit:     limit,
		window:    window,
		opTimeout: opTimeout,
	}
}

// Check returns nil when attempts are allowed for key, or a *LockedError
// carrying the remaining lockout. Callers must not attempt a credential
// comparison while locked.
func (t *Throttle) Check(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	ttl, err := t.redis.PTTL(ctx, lockKey(key)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl > 0 {
		return &LockedError{RetryAfter: ttl}
	}
	return nil
}

// RecordFailure atomically increments the failure counter for key. Reaching
// the limit sets a lock for one window and drops the counter; the returned
// Strike describes what changed.
func (t *Throttle) RecordFailure(ctx context.Context, key string) (Strike, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	pipe := t.redis.TxPipeline()
	incr := pipe.Incr(ctx, failKey(key))
	pipe.Expire(ctx, failKey(key), t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Strike{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	attempts := int(incr.Val())
	strike := Strike{Attempts: attempts}

	if attempts >= t.limit {
		until := time.Now().Add(t.window)
		strike.LockedUntil = &until

		pipe = t.redis.TxPipeline()
		pipe.Set(ctx, lockKey(key), 1, t.window)
		pipe.Del(ctx, failKey(key))
		if _, err := pipe.Exec(ctx); err != nil {
			return strike, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return strike, nil
}

// RecordSuccess clears the counter and any lockout for key.
func (t *Throttle) RecordSuccess(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	if err := t.redis.Del(ctx, failKey(key), lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func failKey(key string) string {
	return "fail:" + key
}

func lockKey(key string) string {
	return "lock:" + key
}
