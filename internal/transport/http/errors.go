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

package http

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/Stock-Loan/sole-backend/internal/auth"
	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/mfa"
	"github.com/Stock-Loan/sole-backend/internal/observability/logger"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
	"github.com/Stock-Loan/sole-backend/internal/throttle"
	"github.com/Stock-Loan/sole-backend/internal/token"
)

// respondDomainError maps domain errors to HTTP responses. Lockout responses
// carry a Retry-After hint but never the attempt count; credential and token
// failures collapse into a uniform 401 so callers cannot distinguish unknown
// accounts from wrong passwords.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *throttle.LockedError
	if errors.As(err, &locked) {
		seconds := int(math.Ceil(locked.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		respondError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	switch {
	case errors.Is(err, auth.ErrMFARetryExhausted):
		respondError(w, http.StatusTooManyRequests, "too many invalid codes, restart login")

	case errors.Is(err, tenant.ErrTenantRequired), errors.Is(err, tenant.ErrInvalidOrgID):
		respondError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, tenant.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "tenant not found")

	case errors.Is(err, tenant.ErrTenantMismatch):
		respondError(w, http.StatusForbidden, "tenant does not match request context")

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, mfa.ErrInvalidCode),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrWrongType),
		errors.Is(err, token.ErrRevoked):
		respondError(w, http.StatusUnauthorized, "invalid credentials")

	case errors.Is(err, mfa.ErrNotEnrolled):
		respondError(w, http.StatusBadRequest, "mfa is not enrolled")

	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		respondError(w, http.StatusConflict, "mfa is already enrolled")

	case errors.Is(err, identity.ErrWeakPassword):
		respondError(w, http.StatusBadRequest, "password does not meet security requirements")

	case errors.Is(err, throttle.ErrStoreUnavailable),
		errors.Is(err, mfa.ErrStoreUnavailable),
		errors.Is(err, token.ErrStoreUnavailable),
		errors.Is(err, identity.ErrStoreUnavailable),
		errors.Is(err, tenant.ErrStoreUnavailable):
		// Fail closed: without a backing store the gate denies.
		slog.ErrorContext(r.Context(), "backing store unavailable", logger.Error(err))
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable")

	default:
		slog.ErrorContext(r.Context(), "unhandled auth error", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
