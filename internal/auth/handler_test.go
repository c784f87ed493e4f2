package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-backend/internal/observability"
	"school-backend/internal/otp"
	"school-backend/internal/ratelimit"
	"school-backend/internal/security"
)

type testServer struct {
	router http.Handler
	outbox *outbox
	clock  *clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	box := &outbox{}
	tokens := security.NewTokenIssuer(testSecret, 15*time.Minute)
	logger := observability.NewLoggerTo(io.Discard)

	svc := NewService(Deps{
		Runner:   &lockRunner{},
		Users:    store,
		Pending:  store,
		Sessions: store,
		Ledger:   otp.NewLedger(otp.NewMemoryStore(), otp.WithClock(clk.Now)),
		Hasher:   security.NewHasher(4),
		Tokens:   tokens,
		Delivery: box,
		Logger:   logger,
	})
	svc.now = clk.Now
	svc.WithSecurityConfig(10, 0, 0)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultRules()).WithClock(clk.Now)
	clientIPs, err := observability.NewClientIPResolver(nil, false)
	require.NoError(t, err)
	limits := ratelimit.NewMiddleware(limiter, logger, nil).WithKeyFunc(clientIPs.ClientIP)

	r := chi.NewRouter()
	r.Route("/api/auth", func(r chi.Router) {
		NewHandler(svc, logger).Mount(r, limits.Limit, tokens)
	})

	return &testServer{router: r, outbox: box, clock: clk}
}

func (ts *testServer) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.postWithHeaders(t, path, body, nil)
}

func (ts *testServer) postWithHeaders(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlerRegistrationContract(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "OTP sent for verification.", decodeBody(t, rec)["message"])

	code := ts.outbox.lastCode("+111")
	require.NotEmpty(t, code)

	rec = ts.post(t, "/api/auth/verify-otp",
		`{"email":"a@x.com","phoneNumber":"+111","otp":"`+wrongCode(code)+`","password":"pw"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.post(t, "/api/auth/verify-otp",
		`{"email":"a@x.com","phoneNumber":"+111","otp":"`+code+`","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Successfully verified OTP and registered user.", decodeBody(t, rec)["message"])

	rec = ts.post(t, "/api/auth/login", `{"email":"a@x.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "Bearer", body["token_type"])

	rec = ts.post(t, "/api/auth/login", `{"email":"a@x.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/api/auth/register", `{"email":"a@x.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation failed", body["error"])
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "password")
	assert.Contains(t, fields, "phoneNumber")

	rec = ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111","role":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.post(t, "/api/auth/verify-otp", `{"email":"a@x.com","phoneNumber":"+111","otp":"12ab5","password":"pw"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["fields"], "otp")

	rec = ts.post(t, "/api/auth/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRateLimitsSixthLogin(t *testing.T) {
	ts := newTestServer(t)

	for i := range 5 {
		rec := ts.post(t, "/api/auth/login", `{"email":"ghost@x.com","password":"pw"}`)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i+1)
	}

	rec := ts.post(t, "/api/auth/login", `{"email":"ghost@x.com","password":"pw"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	ts.clock.Advance(time.Minute)
	rec = ts.post(t, "/api/auth/login", `{"email":"ghost@x.com","password":"pw"}`)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandlerRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	ts := newTestServer(t)

	for i := range 5 {
		rec := ts.postWithHeaders(t, "/api/auth/login", `{"email":"ghost@x.com","password":"pw"}`,
			map[string]string{"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i)})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := ts.postWithHeaders(t, "/api/auth/login", `{"email":"ghost@x.com","password":"pw"}`,
		map[string]string{"X-Forwarded-For": "10.0.0.99"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too many requests, please try again later", decodeBody(t, rec)["error"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHandlerRejectsPasswordLongerThanBcryptLimit(t *testing.T) {
	ts := newTestServer(t)

	long := strings.Repeat("p", 100)
	rec := ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"`+long+`","phoneNumber":"+111"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["fields"], "password")
	assert.Zero(t, ts.outbox.count())

	multiByte := strings.Repeat("é", 37)
	rec = ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"`+multiByte+`","phoneNumber":"+111"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"`+strings.Repeat("p", 72)+`","phoneNumber":"+111"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerPasswordResetAndMe(t *testing.T) {
	ts := newTestServer(t)

	ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111"}`)
	code := ts.outbox.lastCode("+111")
	rec := ts.post(t, "/api/auth/verify-otp",
		`{"email":"a@x.com","phoneNumber":"+111","otp":"`+code+`","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.post(t, "/api/auth/forgot-password", `{"phoneNumber":"+999"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.post(t, "/api/auth/forgot-password", `{"phoneNumber":"+111"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	code = ts.outbox.lastCode("+111")

	rec = ts.post(t, "/api/auth/verify-otp-reset", `{"phoneNumber":"+111","otp":"`+code+`","password":"new-pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.post(t, "/api/auth/verify-otp-reset", `{"phoneNumber":"+111","otp":"`+code+`","password":"again"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.post(t, "/api/auth/login", `{"email":"a@x.com","password":"new-pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	me := httptest.NewRecorder()
	ts.router.ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "a@x.com", decodeBody(t, me)["email"])

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	me = httptest.NewRecorder()
	ts.router.ServeHTTP(me, req)
	assert.Equal(t, http.StatusUnauthorized, me.Code)
}

func TestHandlerExhaustedCodeIsForbidden(t *testing.T) {
	ts := newTestServer(t)

	ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111"}`)
	code := ts.outbox.lastCode("+111")
	wrong := `{"email":"a@x.com","phoneNumber":"+111","otp":"` + wrongCode(code) + `","password":"pw"}`

	for range otp.DefaultMaxAttempts {
		rec := ts.post(t, "/api/auth/verify-otp", wrong)
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "invalid otp", decodeBody(t, rec)["error"])
	}

	ts.clock.Advance(time.Minute)
	rec := ts.post(t, "/api/auth/verify-otp",
		`{"email":"a@x.com","phoneNumber":"+111","otp":"`+code+`","password":"pw"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "too many invalid attempts, request a new otp", decodeBody(t, rec)["error"])
}

func TestHandlerRefreshAndLogout(t *testing.T) {
	ts := newTestServer(t)

	ts.post(t, "/api/auth/register", `{"email":"a@x.com","password":"pw","phoneNumber":"+111"}`)
	code := ts.outbox.lastCode("+111")
	ts.post(t, "/api/auth/verify-otp", `{"email":"a@x.com","phoneNumber":"+111","otp":"`+code+`","password":"pw"}`)

	rec := ts.post(t, "/api/auth/login", `{"email":"a@x.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	refresh, _ := decodeBody(t, rec)["refresh_token"].(string)

	rec = ts.post(t, "/api/auth/refresh-token", `{"refresh_token":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated, _ := decodeBody(t, rec)["refresh_token"].(string)

	rec = ts.post(t, "/api/auth/refresh-token", `{"refresh_token":"`+refresh+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.post(t, "/api/auth/logout", `{"refresh_token":"`+rotated+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
