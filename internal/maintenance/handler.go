package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"school-backend/internal/auth"
	"school-backend/internal/db"
	"school-backend/internal/observability"
)

type AuthCleaner interface {
	CleanupStaleAuthData(ctx context.Context, q db.Executor, refreshRetention, loginAttemptRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

// StaleDeleter removes rows older than cutoff in batches of at most batchSize.
type StaleDeleter interface {
	DeleteStale(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error)
}

type Retention struct {
	OTP          time.Duration
	RefreshToken time.Duration
	LoginAttempt time.Duration
	RateWindow   time.Duration
	BatchSize    int
}

type Result struct {
	auth.CleanupResult
	DeletedOTPRecords int64 `json:"deleted_otp_records"`
	DeletedRateWindow int64 `json:"deleted_rate_windows"`
}

type CleanupHandler struct {
	runner     db.Runner
	auth       AuthCleaner
	otps       StaleDeleter
	windows    StaleDeleter
	logger     *observability.Logger
	cronSecret string
	retention  Retention
	now        func() time.Time
}

// NewCleanupHandler wires the purge job. windows may be nil when rate windows
// are not kept in the database.
func NewCleanupHandler(
	runner db.Runner,
	authCleaner AuthCleaner,
	otps StaleDeleter,
	windows StaleDeleter,
	logger *observability.Logger,
	cronSecret string,
	retention Retention,
) *CleanupHandler {
	if retention.BatchSize <= 0 {
		retention.BatchSize = 500
	}
	return &CleanupHandler{
		runner:     runner,
		auth:       authCleaner,
		otps:       otps,
		windows:    windows,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		now:        time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || !h.secretMatches(strings.TrimSpace(token)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		h.logger.Error("cleanup_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(r.Context(), err, map[string]string{"job": "cleanup"})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"deleted_pending_registrations": result.DeletedPendingRegistrations,
		"deleted_refresh_tokens":        result.DeletedRefreshTokens,
		"deleted_login_attempts":        result.DeletedLoginAttempts,
		"deleted_otp_records":           result.DeletedOTPRecords,
		"deleted_rate_windows":          result.DeletedRateWindow,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run purges one batch of each kind of stale row.
func (h *CleanupHandler) secretMatches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}

func (h *CleanupHandler) Run(ctx context.Context) (Result, error) {
	var result Result
	now := h.now().UTC()

	err := h.runner.Run(ctx, func(q db.Executor) error {
		var err error
		result.CleanupResult, err = h.auth.CleanupStaleAuthData(ctx, q,
			h.retention.RefreshToken, h.retention.LoginAttempt, h.retention.BatchSize)
		if err != nil {
			return err
		}

		result.DeletedOTPRecords, err = h.otps.DeleteStale(ctx, q, now.Add(-h.retention.OTP), h.retention.BatchSize)
		if err != nil {
			return err
		}

		if h.windows != nil {
			result.DeletedRateWindow, err = h.windows.DeleteStale(ctx, q, now.Add(-h.retention.RateWindow), h.retention.BatchSize)
		}
		return err
	})
	return result, err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
