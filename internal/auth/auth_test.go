package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/config"
	"agent-orchestrator/backend/internal/logging"
)

const testIssuer = "https://test-issuer.com"

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func fakeToken(t *testing.T, extra map[string]any) string {
	t.Helper()
	claims := map[string]any{
		"iss":   testIssuer,
		"aud":   "orchestrator-api",
		"sub":   "ops-user",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"email": "ops@example.com",
	}
	for k, v := range extra {
		claims[k] = v
	}
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func newTestAuth() *Auth {
	keySet := &MockKeySet{}
	return &Auth{
		apiVerifier: oidc.NewVerifier(testIssuer, keySet, &oidc.Config{SkipClientIDCheck: true}),
		verifier:    oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: "orchestrator-api"}),
		logger:      logging.Discard(),
	}
}

func capture(t *testing.T, a *Auth, req *http.Request) (*httptest.ResponseRecorder, Principal) {
	t.Helper()
	var got Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		assert.True(t, ok, "principal should be in context")
		got = p
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, req)
	return rec, got
}

func TestRequireAuth_BearerToken_ScpArray(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]any{
		"scp": []string{ScopeWrite, ScopeRead},
	}))

	rec, p := capture(t, newTestAuth(), req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ops-user", p.Subject)
	assert.Equal(t, "ops@example.com", p.Email)
	assert.Equal(t, []string{ScopeRead, ScopeWrite}, p.Scopes)
}

func TestRequireAuth_BearerToken_ScopeString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]any{
		"scope": "openid orchestrator:read",
	}))

	rec, p := capture(t, newTestAuth(), req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.HasScope(ScopeRead))
	assert.False(t, p.HasScope(ScopeWrite))
}

func TestRequireAuth_ExpiredToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]any{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))

	rec := httptest.NewRecorder()
	newTestAuth().RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRequireAuth_CookieSessionIsReadOnly(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.AddCookie(&http.Cookie{Name: "id_token", Value: fakeToken(t, map[string]any{
		"scp": []string{ScopeWrite},
	})})

	rec, p := capture(t, newTestAuth(), req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{ScopeRead}, p.Scopes)
}

func TestRequireAuth_MissingCredentials(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	newTestAuth().RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_BypassMode(t *testing.T) {
	cfg := &config.Config{Environment: "dev"}
	cfg.Auth.DevModeBypass = true

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	rec, p := capture(t, a, httptest.NewRequest(http.MethodPost, "/api/v1/workflows/REQ-1/restart", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.HasScope(ScopeWrite))
}

func TestNew_RequiresIssuerOutsideDev(t *testing.T) {
	cfg := &config.Config{Environment: "PROD"}
	cfg.Auth.DevModeBypass = true

	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestRequireScope(t *testing.T) {
	e := echo.New()
	handler := RequireScope(ScopeWrite)(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	run := func(ctx context.Context) error {
		req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	err := run(context.Background())
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	err = run(WithPrincipal(context.Background(), Principal{Subject: "a", Scopes: []string{ScopeRead}}))
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.Code)

	assert.NoError(t, run(WithPrincipal(context.Background(), Principal{Subject: "a", Scopes: []string{ScopeWrite}})))
}
