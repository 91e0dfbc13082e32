package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuthRouter(verifier *TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(verifier))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	verifier := NewTokenVerifier("secret")
	valid, err := verifier.Issue("alice", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Issue("alice", -time.Minute)
	require.NoError(t, err)
	foreign, err := NewTokenVerifier("other").Issue("alice", time.Hour)
	require.NoError(t, err)
	aliased, err := verifier.Issue("a::b", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{name: "bearer header", target: "/me", header: "Bearer " + valid, status: http.StatusOK, body: "alice"},
		{name: "query token", target: "/me?token=" + valid, status: http.StatusOK, body: "alice"},
		{name: "missing", target: "/me", status: http.StatusUnauthorized},
		{name: "wrong scheme", target: "/me", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "expired", target: "/me", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "foreign secret", target: "/me", header: "Bearer " + foreign, status: http.StatusUnauthorized},
		{name: "reserved separator in subject", target: "/me", header: "Bearer " + aliased, status: http.StatusUnauthorized},
		{name: "no expiry", target: "/me", header: "Bearer " + noExpiry, status: http.StatusUnauthorized},
	}

	router := setupAuthRouter(verifier)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	verifier := NewTokenVerifier("secret")
	raw, err := verifier.Issue("", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.ErrorIs(t, err, errMissingSubject)
}

func TestVerifyRejectsSubjectWithChatSeparator(t *testing.T) {
	verifier := NewTokenVerifier("secret")
	raw, err := verifier.Issue("a::b", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.ErrorIs(t, err, errInvalidSubject)
}
