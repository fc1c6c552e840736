package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "offramp-admin"
)

func TestValidateToken(t *testing.T) {
	v := NewJWTValidator(testSecret, testIssuer)

	token, err := IssueToken(testSecret, testIssuer, "ops@example.com", time.Minute)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestValidateToken_Rejects(t *testing.T) {
	v := NewJWTValidator(testSecret, testIssuer)

	wrongSecret, err := IssueToken("another-secret-another-secret-xx", testIssuer, "ops", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(testSecret, "someone-else", "ops", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, testIssuer, "ops", -time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueToken(testSecret, testIssuer, "", time.Minute)
	require.NoError(t, err)

	notAdmin, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", Issuer: testIssuer},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": wrongSecret,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
		"not admin":    notAdmin,
		"no expiry":    noExpiry,
		"garbage":      "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func TestValidateToken_Unconfigured(t *testing.T) {
	v := NewJWTValidator("", testIssuer)
	assert.False(t, v.IsConfigured())

	token, err := IssueToken(testSecret, testIssuer, "ops", time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	tok, err = BearerToken("bearer   xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Bearer   ", "Basic abc"} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrMissingToken, h)
	}
}

func TestRequireAdmin(t *testing.T) {
	v := NewJWTValidator(testSecret, testIssuer)
	var actor string
	h := RequireAdmin(v, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/batch/run", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken(testSecret, testIssuer, "alice", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/batch/run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", actor)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/admin/batch/run", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireTriggerSecret(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	h := RequireTriggerSecret("s3cret")(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/batch/run", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/batch/run", nil)
	req.Header.Set(TriggerSecretHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	open := RequireTriggerSecret("")(ok)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/batch/run", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
