package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier([]byte("test-secret"), "paylock-test", nil)
	require.NoError(t, err)
	return v
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	user := uuid.New()

	token, err := v.IssueToken(user, RoleFreelancer, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, user, claims.Subject)
	require.Equal(t, RoleFreelancer, claims.Role)
	require.False(t, claims.IsAdmin())
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier([]byte("other-secret"), "paylock-test", nil)
	require.NoError(t, err)

	token, err := other.IssueToken(uuid.New(), RoleClient, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	issuer, err := NewVerifier([]byte("test-secret"), "paylock-test", func() time.Time { return past })
	require.NoError(t, err)
	token, err := issuer.IssueToken(uuid.New(), RoleClient, time.Minute)
	require.NoError(t, err)

	v := newTestVerifier(t)
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.IssueToken(uuid.New(), Role("superuser"), time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestAuthenticateMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	user := uuid.New()
	token, err := v.IssueToken(user, RoleAdmin, time.Hour)
	require.NoError(t, err)

	handler := v.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		require.NoError(t, err)
		require.Equal(t, user, claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Missing header is rejected before the handler runs.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.IssueToken(uuid.New(), RoleFreelancer, time.Hour)
	require.NoError(t, err)

	guarded := v.Authenticate(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
