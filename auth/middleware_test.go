package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func newTestHandler(t *testing.T) (http.Handler, *Identity) {
	t.Helper()
	seen := &Identity{}
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))
	return mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})), seen
}

func mustToken(t *testing.T, role Role, pharmacyID string) string {
	t.Helper()
	token, err := IssueToken(testSecret, "user-1", role, pharmacyID, time.Hour)
	require.NoError(t, err)
	return token
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_NoToken(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/settlement/cycle", "").Code)
}

func TestMiddleware_ExemptPaths(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics", "").Code)
}

func TestMiddleware_PharmacyForbiddenOnAdminRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	token := mustToken(t, RolePharmacy, "ph-1")
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodPost, "/api/admin/settlements/apply", token).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodPost, "/api/demo/load", token).Code)
}

func TestMiddleware_AdminIdentityInContext(t *testing.T) {
	h, seen := newTestHandler(t)
	token := mustToken(t, RoleAdmin, "")

	rec := serve(h, http.MethodPost, "/api/admin/settlements/reset", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", seen.Subject)
	assert.Equal(t, RoleAdmin, seen.Role)
}

func TestMiddleware_ExpiredOrForeignToken(t *testing.T) {
	h, _ := newTestHandler(t)

	expired, err := IssueToken(testSecret, "user-1", RoleAdmin, "", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/ledger", expired).Code)

	foreign, err := IssueToken([]byte("other"), "user-1", RoleAdmin, "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/ledger", foreign).Code)
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	mw := NewMiddleware(nil, NewDefaultPolicy(nil, nil))
	assert.False(t, mw.Enabled())
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/admin/settlements/apply", "").Code)
}

func TestParseJWT_RejectsBadClaims(t *testing.T) {
	sign := func(c Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(testSecret)
		require.NoError(t, err)
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	_, err := ParseJWT(sign(Claims{Role: "viewer", RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: exp}}), testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseJWT(sign(Claims{Role: "pharmacy", RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: exp}}), testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken, "pharmacy tokens carry their pharmacy")

	_, err = ParseJWT(sign(Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}), testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken, "subject is the ledger actor")

	_, err = ParseJWT("", testSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCanAccessPharmacy(t *testing.T) {
	ctx := context.Background()
	assert.True(t, CanAccessPharmacy(ctx, "ph-1"), "auth disabled")

	admin := WithIdentity(ctx, Identity{Subject: "a", Role: RoleAdmin})
	assert.True(t, CanAccessPharmacy(admin, "ph-9"))

	own := WithIdentity(ctx, Identity{Subject: "p", Role: RolePharmacy, PharmacyID: "ph-1"})
	assert.True(t, CanAccessPharmacy(own, "ph-1"))
	assert.False(t, CanAccessPharmacy(own, "ph-2"))

	assert.Equal(t, "p", ActorFromContext(own))
	assert.Equal(t, "", ActorFromContext(ctx))
}
