package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/support-chat/internal/model"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	tok, err := m.GenerateToken("u42", "u42@example.com", model.RoleUser)
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, model.Actor{Role: model.RoleUser, UserID: "u42"}, claims.Actor())

	_, err = NewJWTManager("other", time.Hour).ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.GenerateToken("u1", "", "guest")
	assert.Error(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	tok, err := m.GenerateToken("a1", "", model.RoleAdmin)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestURLSigner(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	s := NewURLSigner(m, "https://files.example.com", 10*time.Minute)

	raw, err := s.Sign("/uploads/report 1.pdf")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "files.example.com", u.Host)
	assert.Equal(t, "/uploads/report 1.pdf", u.Path)
	assert.NotEmpty(t, u.Query().Get("expires"))

	sig := u.Query().Get("signature")
	assert.NoError(t, s.Verify("report 1.pdf", sig))
	assert.ErrorIs(t, s.Verify("other.pdf", sig), ErrInvalidToken)

	_, err = s.Sign("")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("secret", time.Hour)
	r := gin.New()
	r.GET("/me", Middleware(m), func(c *gin.Context) {
		a, ok := ActorFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, string(a.Role)+":"+a.UserID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := m.GenerateToken("a1", "", model.RoleAdmin)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin:a1", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+strings.ToUpper(tok))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
