package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	require.NoError(t, err)
	return string(h)
}

func TestVerifierDisabledWithEmptyHash(t *testing.T) {
	v := New("")
	assert.False(t, v.Enabled())
	assert.True(t, v.Verify("anything"), "auth is a no-op when no hash is configured")
}

func TestVerifyAcceptsCorrectKey(t *testing.T) {
	v := New(mustHash(t, "s3cret"))
	assert.True(t, v.Verify("s3cret"))
}

func TestVerifyRejectsWrongOrEmptyKey(t *testing.T) {
	v := New(mustHash(t, "s3cret"))
	assert.False(t, v.Verify("wrong"))
	assert.False(t, v.Verify(""))
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	v := New("")
	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := New(mustHash(t, "s3cret"))
	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAllowsValidHeader(t *testing.T) {
	v := New(mustHash(t, "s3cret"))
	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerName, "s3cret")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, called)
}
