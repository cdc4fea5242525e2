package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"tradeescrow/observability/logging"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/storage"
)

const testSecret = "escrowd-test-secret"

func newTestAuthenticator(t *testing.T, now time.Time) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{
		Secret: testSecret,
		Issuer: "escrowd",
		Now:    func() time.Time { return now },
	}, logging.Discard())
	require.NoError(t, err)
	return auth
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, claims.Subject.String()+"/"+string(claims.Role))
	})
}

func TestAuthenticatorAcceptsValidToken(t *testing.T) {
	now := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	auth := newTestAuthenticator(t, now)
	subject := uuid.New()
	token, err := SignToken(testSecret, "escrowd", subject, RoleAdmin, now, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	auth.Middleware(echoSubject()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, subject.String()+"/admin", rec.Body.String())
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	now := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	auth := newTestAuthenticator(t, now)
	subject := uuid.New()

	expired, err := SignToken(testSecret, "escrowd", subject, RoleUser, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	wrongSecret, err := SignToken("other-secret", "escrowd", subject, RoleUser, now, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := SignToken(testSecret, "someone-else", subject, RoleUser, now, time.Hour)
	require.NoError(t, err)
	badRole, err := SignToken(testSecret, "escrowd", subject, Role("root"), now, time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + wrongSecret,
		"wrong issuer": "Bearer " + wrongIssuer,
		"bad role":     "Bearer " + badRole,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		auth.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatalf("%s: request should not reach handler", name)
		})).ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Subject: uuid.New(), Role: RoleUser}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(WithClaims(req.Context(), &Claims{Subject: uuid.New(), Role: RoleAdmin}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"wallet": {RequestsPerSecond: 0.001, Burst: 2},
	}, logging.Discard())
	handler := limiter.Middleware("wallet")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/x/check-deposit", nil)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different subject from the same address has its own bucket.
	other := req.WithContext(WithClaims(req.Context(), &Claims{Subject: uuid.New(), Role: RoleUser}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterIgnoresUnknownGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"wallet": {RequestsPerSecond: 0.001, Burst: 1}}, nil)
	handler := limiter.Middleware("other")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestObservabilityRecordsRoutePattern(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs, err := NewObservability(ObservabilityConfig{}, registry, logging.Discard())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(obs.Middleware)
	r.Get("/trades/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trades/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	families, err := registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() != "escrowd_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["route"] == "/trades/{id}" && labels["status"] == "404" {
				found = true
				require.Equal(t, float64(1), metric.GetCounter().GetValue())
			}
		}
	}
	require.True(t, found, "request counter not recorded")
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db, err := storage.Open(storage.MemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	var calls atomic.Int32
	handler := WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"n":%d}`, n)
	}))
	subject := uuid.New()
	send := func(path, key string, claims *Claims) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", key)
		if claims != nil {
			req = req.WithContext(WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/api/v1/trades", "k1", &Claims{Subject: subject})
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("/api/v1/trades", "k1", &Claims{Subject: subject})
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.Equal(t, int32(1), calls.Load())

	conflict := send("/api/v1/offers", "k1", &Claims{Subject: subject})
	require.Equal(t, http.StatusConflict, conflict.Code)

	otherUser := send("/api/v1/trades", "k1", &Claims{Subject: uuid.New()})
	require.Equal(t, http.StatusCreated, otherUser.Code)
	require.Equal(t, int32(2), calls.Load())

	var stored int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&stored).Error)
	require.Equal(t, int64(2), stored)
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	db, err := storage.Open(storage.MemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	var calls atomic.Int32
	handler := WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	for _, want := range []int{http.StatusServiceUnavailable, http.StatusOK, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/x/release/finalize", nil)
		req.Header.Set("Idempotency-Key", "retry-me")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code)
	}
	require.Equal(t, int32(2), calls.Load())
}
