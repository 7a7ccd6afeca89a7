// @title Sole Backend API
// @version 1.0.0
// @description Multi-tenant identity and access gate
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Stock-Loan/sole-backend/internal/auth"
	"github.com/Stock-Loan/sole-backend/internal/identity"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	authService *auth.Service
	trustProxy  bool
}

// NewHandler creates a new HTTP handler
func NewHandler(authService *auth.Service, trustProxy bool) *Handler {
	return &Handler{authService: authService, trustProxy: trustProxy}
}

func (h *Handler) clientIP(r *http.Request) string {
	return getClientIP(r, h.trustProxy)
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/healthz", h.HealthCheck)

	// API routes
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/login/complete", h.CompleteLogin)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)

		// Enrollment accepts either a bearer token or a mid-login challenge
		// token, so these two stay outside AuthMiddleware.
		r.Post("/mfa/enroll", h.EnrollMFA)
		r.Post("/mfa/confirm", h.ConfirmMFA)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Get("/me", h.GetCurrentUser)
			r.Post("/password", h.ChangePassword)
			r.Post("/mfa/disable", h.DisableMFA)
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Checks if the service is up and running
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sole-backend",
	})
}

// LoginRequest represents login credentials
type LoginRequest struct {
	Email    string `json:"email" binding:"required" example:"user@example.com"`
	Password string `json:"password" binding:"required" example:"secret123"`
	// DeviceToken, when present, may satisfy the MFA requirement via an
	// unexpired remembered device.
	DeviceToken string `json:"device_token,omitempty"`
	Action      string `json:"action,omitempty" example:"transfer_funds"`
}

// Login handles the password phase of the login flow
// @Summary Login
// @Description Authenticate with a password; returns tokens or an MFA challenge
// @Tags Auth
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string false "Org ID (multi-tenant mode)"
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Failure 429 {object} map[string]string
// @Router /auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.authService.Login(r.Context(), auth.LoginInput{
		HeaderOrgID: r.Header.Get("X-Tenant-ID"),
		Host:        r.Host,
		Email:       req.Email,
		Password:    req.Password,
		DeviceToken: req.DeviceToken,
		Action:      req.Action,
		ClientIP:    h.clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse(result))
}

// CompleteLoginRequest finishes a challenged login. Exactly one of code or
// recovery_code should be set.
type CompleteLoginRequest struct {
	ChallengeToken string `json:"challenge_token" binding:"required"`
	Code           string `json:"code,omitempty" example:"123456"`
	RecoveryCode   string `json:"recovery_code,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

// CompleteLogin finishes a challenged login with a TOTP or recovery code
// @Summary Complete Login
// @Description Submit the second factor for a pending challenge
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body CompleteLoginRequest true "Challenge proof"
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Failure 429 {object} map[string]string
// @Router /auth/login/complete [post]
func (h *Handler) CompleteLogin(w http.ResponseWriter, r *http.Request) {
	var req CompleteLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeToken == "" {
		respondError(w, http.StatusBadRequest, "challenge_token is required")
		return
	}

	result, err := h.authService.CompleteLogin(r.Context(), auth.CompleteLoginInput{
		ChallengeToken: req.ChallengeToken,
		Code:           req.Code,
		RecoveryCode:   req.RecoveryCode,
		RememberDevice: req.RememberDevice,
		HeaderOrgID:    r.Header.Get("X-Tenant-ID"),
		Host:           r.Host,
		ClientIP:       h.clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse(result))
}

// RefreshRequest carries the refresh token to rotate
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token into a new pair
// @Summary Refresh Tokens
// @Description Exchange a refresh token for a new access/refresh pair
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "Refresh token"
// @Success 200 {object} auth.TokenPair
// @Failure 401 {object} map[string]string
// @Router /auth/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

// Logout spends the refresh token so it cannot rotate again
// @Summary Logout
// @Description Invalidate the presented refresh token
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "Refresh token"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "logged out successfully",
	})
}

// ChangePasswordRequest carries a password change for the authenticated user
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// ChangePassword replaces the caller's password and revokes outstanding tokens
// @Summary Change Password
// @Description Re-prove the current password, set a new one; all prior tokens are revoked and a fresh pair is returned
// @Tags Auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ChangePasswordRequest true "Password change"
// @Success 200 {object} auth.TokenPair
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/password [post]
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		respondError(w, http.StatusBadRequest, "current_password and new_password are required")
		return
	}

	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	pair, err := h.authService.ChangePassword(r.Context(), principal.Identity, principal.Tenant, auth.ChangePasswordInput{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		ClientIP:        h.clientIP(r),
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

// EnrollMFARequest authenticates an enrollment request made mid-login. A
// bearer access token works instead when the caller is already logged in.
type EnrollMFARequest struct {
	ChallengeToken string `json:"challenge_token,omitempty"`
}

// EnrollMFA stages a TOTP secret for the caller
// @Summary Begin MFA Enrollment
// @Description Generate a TOTP secret and provisioning URI
// @Tags MFA
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body EnrollMFARequest false "Challenge token (mid-login enrollment)"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /auth/mfa/enroll [post]
func (h *Handler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	var req EnrollMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ident, err := h.resolveEnrollmentIdentity(r, req.ChallengeToken)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	enrollment, err := h.authService.BeginEnrollment(r.Context(), ident)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.ProvisioningURI,
	})
}

// ConfirmMFARequest proves possession of the staged secret
type ConfirmMFARequest struct {
	ChallengeToken string `json:"challenge_token,omitempty"`
	Code           string `json:"code" binding:"required" example:"123456"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

// ConfirmMFA enables MFA after a valid code. When authenticated by a
// challenge token it also completes the pending login.
// @Summary Confirm MFA Enrollment
// @Description Verify a code against the staged secret and enable MFA
// @Tags MFA
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ConfirmMFARequest true "Enrollment proof"
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Router /auth/mfa/confirm [post]
func (h *Handler) ConfirmMFA(w http.ResponseWriter, r *http.Request) {
	var req ConfirmMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	if req.ChallengeToken != "" {
		result, codes, err := h.authService.ConfirmEnrollmentLogin(r.Context(), auth.CompleteLoginInput{
			ChallengeToken: req.ChallengeToken,
			Code:           req.Code,
			RememberDevice: req.RememberDevice,
			HeaderOrgID:    r.Header.Get("X-Tenant-ID"),
			Host:           r.Host,
			ClientIP:       h.clientIP(r),
			UserAgent:      r.UserAgent(),
		})
		if err != nil {
			respondDomainError(w, r, err)
			return
		}

		body := loginResponse(result)
		body["recovery_codes"] = codes
		respondJSON(w, http.StatusOK, body)
		return
	}

	ident, err := h.bearerIdentity(r)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	codes, err := h.authService.ConfirmEnrollment(r.Context(), ident, req.Code)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"recovery_codes": codes,
	})
}

// DisableMFARequest carries the fresh proof required to turn MFA off
type DisableMFARequest struct {
	Code         string `json:"code,omitempty" example:"123456"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

// DisableMFA turns MFA off after a fresh TOTP or recovery-code proof
// @Summary Disable MFA
// @Description Disable MFA; requires a currently valid code or an unused recovery code
// @Tags MFA
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body DisableMFARequest true "Proof"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/mfa/disable [post]
func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	var req DisableMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := h.authService.DisableMFA(r.Context(), principal.Identity, req.Code, req.RecoveryCode); err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "mfa disabled",
	})
}

// GetCurrentUser returns the authenticated identity
// @Summary Get Current User
// @Description Retrieve details of the currently authenticated identity
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Router /auth/me [get]
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.Identity.ID,
		"org_id":      principal.Tenant.ID,
		"email":       principal.Identity.Email,
		"roles":       principal.Identity.Roles,
		"mfa_enabled": principal.Identity.MFAEnabled,
	})
}

// resolveEnrollmentIdentity authenticates an enrollment call via either the
// bearer access token or a mid-login challenge token.
func (h *Handler) resolveEnrollmentIdentity(r *http.Request, challengeToken string) (*identity.Identity, error) {
	if challengeToken != "" {
		ident, _, err := h.authService.ResolveChallenge(r.Context(), challengeToken,
			r.Header.Get("X-Tenant-ID"), r.Host)
		return ident, err
	}
	return h.bearerIdentity(r)
}

func (h *Handler) bearerIdentity(r *http.Request) (*identity.Identity, error) {
	principal, err := h.bearerPrincipal(r)
	if err != nil {
		return nil, err
	}
	return principal.Identity, nil
}

func (h *Handler) bearerPrincipal(r *http.Request) (*auth.Principal, error) {
	if p := GetPrincipal(r.Context()); p != nil {
		return p, nil
	}
	bearer := bearerToken(r)
	if bearer == "" {
		return nil, auth.ErrInvalidCredentials
	}
	return h.authService.Authorize(r.Context(), auth.AuthorizeInput{
		BearerToken: bearer,
		HeaderOrgID: r.Header.Get("X-Tenant-ID"),
		Host:        r.Host,
	})
}

// loginResponse flattens a LoginResult into the wire shape: either an issued
// pair or a pending challenge.
func loginResponse(result *auth.LoginResult) map[string]any {
	if result.Tokens != nil {
		body := map[string]any{
			"access_token":  result.Tokens.AccessToken,
			"refresh_token": result.Tokens.RefreshToken,
			"token_type":    result.Tokens.TokenType,
			"expires_in":    result.Tokens.ExpiresIn,
		}
		if result.DeviceToken != "" {
			body["device_token"] = result.DeviceToken
		}
		return body
	}
	return map[string]any{
		"mfa_required":        result.MFARequired,
		"enrollment_required": result.EnrollmentRequired,
		"challenge_token":     result.ChallengeToken,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
