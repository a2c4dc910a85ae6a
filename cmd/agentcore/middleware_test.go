package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/api/handlers"
	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/types"
)

const testSecret = "test-secret-key-for-jwt"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) types.ErrorCode {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return types.ErrorCode(resp.Error.Code)
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	handler := Chain(okHandler(), SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PropagatesIncomingID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.TraceID(r.Context())
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-from-upstream")
	RequestID()(inner).ServeHTTP(w, r)

	assert.Equal(t, "req-from-upstream", seen)
	assert.Equal(t, "req-from-upstream", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() {
		Recovery(zap.NewNop())(inner).ServeHTTP(w, r)
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.ErrInternalError, errorCode(t, w))
}

// =============================================================================
// 🔐 JWT
// =============================================================================

func jwtConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret: testSecret,
		Issuer:    "agentcore-test",
		SkipPaths: []string{"/health"},
	}
}

func TestJWTAuth_ValidTokenInjectsTenant(t *testing.T) {
	var tenantID, userID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ = types.TenantID(r.Context())
		userID, _ = types.UserID(r.Context())
	})

	token := signToken(t, jwt.MapClaims{
		"tenant_id": "tenant-1",
		"sub":       "user-7",
		"iss":       "agentcore-test",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/executions/x", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	JWTAuth(jwtConfig(), zap.NewNop())(inner).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-1", tenantID)
	assert.Equal(t, "user-7", userID)
}

func TestJWTAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"iss":       "agentcore-test",
			"exp":       time.Now().Add(-time.Minute).Unix(),
		})},
		{name: "wrong issuer", header: "Bearer " + signToken(t, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"iss":       "someone-else",
			"exp":       time.Now().Add(time.Hour).Unix(),
		})},
		{name: "no tenant claim", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "agentcore-test",
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
		{name: "no expiry", header: "Bearer " + signToken(t, jwt.MapClaims{
			"tenant_id": "tenant-1",
			"iss":       "agentcore-test",
		})},
	}

	handler := JWTAuth(jwtConfig(), zap.NewNop())(okHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/executions/x", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			handler.ServeHTTP(w, r)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, types.ErrUnauthorized, errorCode(t, w))
		})
	}
}

func TestJWTAuth_SkipPaths(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	JWTAuth(jwtConfig(), zap.NewNop())(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuth_RejectsOtherAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"tenant_id": "tenant-1",
		"iss":       "agentcore-test",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/merge", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	JWTAuth(jwtConfig(), zap.NewNop())(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// 🚦 限流
// =============================================================================

func TestRateLimiter_ByIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 1, 2)(okHandler())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 其他 IP 不受影响
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTenantRateLimiter_IsolatesTenants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := TenantRateLimiter(ctx, 1, 1)(okHandler())
	send := func(tenant string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(types.WithTenantID(r.Context(), tenant))
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("tenant-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("tenant-a"))
	assert.Equal(t, http.StatusOK, send("tenant-b"))
}

func TestTenantRateLimiter_FallsBackToHeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := TenantRateLimiter(ctx, 1, 1)(okHandler())
	send := func(tenant string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:1234"
		r.Header.Set(handlers.TenantHeader, tenant)
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send("tenant-a").Code)
	limited := send("tenant-a")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, types.ErrRateLimited, errorCode(t, limited))
	assert.Equal(t, http.StatusOK, send("tenant-b").Code)
}

func TestKeyedLimiter_Prune(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newKeyedLimiter(ctx, 10, 10)
	l.allow("a")
	l.allow("b")

	l.prune(time.Now().Add(limiterIdleTTL + time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.visitors)
}

// =============================================================================
// 📊 指标路径归一化
// =============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/executions", "/api/v1/executions"},
		{"/api/v1/executions/3f2b8c1e-7d4a-4e2b-9c1d-0a1b2c3d4e5f", "/api/v1/executions/:id"},
		{"/api/v1/executions/3f2b8c1e-7d4a-4e2b-9c1d-0a1b2c3d4e5f/cancel", "/api/v1/executions/:id/cancel"},
		{"/api/v1/executions/12345/logs", "/api/v1/executions/:id/logs"},
		{"/api/v1/unknown/path", "/api/v1/unknown/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}
