package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"school-backend/internal/observability"
	"school-backend/internal/otp"
	"school-backend/internal/ratelimit"
	"school-backend/internal/security"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service   *Service
	validator *requestValidator
	logger    *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{
		service:   service,
		validator: newRequestValidator(),
		logger:    logger,
	}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=64"`
	Password    string `json:"password" validate:"required,notblank,passwordlen"`
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
}

type verifyOTPRequest struct {
	Email       string `json:"email" validate:"required,email,max=64"`
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
	OTP         string `json:"otp" validate:"required,numeric,min=4,max=10"`
	Password    string `json:"password" validate:"required,notblank,passwordlen"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,notblank"`
}

type forgotPasswordRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
}

type resetPasswordRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
	OTP         string `json:"otp" validate:"required,numeric,min=4,max=10"`
	Password    string `json:"password" validate:"required,notblank,passwordlen"`
}

type loginResponse struct {
	Message string `json:"message"`
	Tokens
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phoneNumber"`
	Role        string    `json:"role"`
	IsVerified  bool      `json:"isVerified"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.Register(r.Context(), body.Email, body.Password, body.PhoneNumber); err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "OTP sent for verification."})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.VerifyOTP(r.Context(), body.Email, body.PhoneNumber, body.OTP, body.Password); err != nil {
		h.writeServiceError(w, r, err, "failed to verify otp")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Successfully verified OTP and registered user."})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Message: "Successfully logged in.", Tokens: tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Message: "Token refreshed.", Tokens: tokens})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), body.PhoneNumber); err != nil {
		h.writeServiceError(w, r, err, "failed to send reset code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent to your phone number."})
}

func (h *Handler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.PhoneNumber, body.OTP, body.Password); err != nil {
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset."})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	user, err := h.service.CurrentUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:          user.ID,
		Email:       user.Email,
		PhoneNumber: user.PhoneNumber,
		Role:        user.Role,
		IsVerified:  user.IsVerified,
		CreatedAt:   user.CreatedAt.UTC(),
	})
}

// decode reads a strict JSON body and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if fields := h.validator.Struct(dst); fields != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var lockedErr ErrLoginLocked
	switch {
	case errors.Is(err, security.ErrPasswordTooLong):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"password": err.Error()},
		})
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "user already exists")
	case errors.Is(err, otp.ErrExpired):
		writeError(w, http.StatusForbidden, "otp has expired")
	case errors.Is(err, otp.ErrAlreadyConsumed):
		writeError(w, http.StatusForbidden, "otp has already been used")
	case errors.Is(err, otp.ErrMismatch):
		writeError(w, http.StatusForbidden, "invalid otp")
	case errors.Is(err, otp.ErrAttemptsExhausted):
		writeError(w, http.StatusForbidden, "too many invalid attempts, request a new otp")
	case errors.Is(err, ErrVerificationFailed):
		writeError(w, http.StatusForbidden, "verification failed")
	case errors.As(err, &lockedErr):
		retryAfter := int(time.Until(lockedErr.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "login temporarily locked")
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	default:
		h.logger.Error("auth_request_failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		observability.CaptureError(r.Context(), err, map[string]string{"path": r.URL.Path})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
