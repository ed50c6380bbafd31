package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenValidator is a test implementation of TokenValidator for unit tests.
type testTokenValidator struct {
	validTokens map[string]string
}

func newTestTokenValidator() *testTokenValidator {
	return &testTokenValidator{validTokens: make(map[string]string)}
}

func (v *testTokenValidator) addValidToken(token, role string) {
	v.validTokens[token] = role
}

func (v *testTokenValidator) ValidateToken(tokenString string) (RoleGetter, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token string is empty")
	}
	role, ok := v.validTokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	return testClaims(role), nil
}

type testClaims string

func (c testClaims) GetRole() string { return string(c) }

func serve(t *testing.T, h http.Handler, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	validator := newTestTokenValidator()
	validator.addValidToken("operator-token-123", RoleOperator)

	var contextRole string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := GetRole(r)
		require.NoError(t, err)
		contextRole = role
		w.WriteHeader(http.StatusOK)
	})

	w := serve(t, AuthMiddleware(validator)(handler), "Bearer operator-token-123")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, RoleOperator, contextRole)
}

func TestAuthMiddleware_CaseInsensitiveScheme(t *testing.T) {
	validator := newTestTokenValidator()
	validator.addValidToken("tok", RoleTransport)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	w := serve(t, AuthMiddleware(validator)(handler), "bearer tok")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	validator := newTestTokenValidator()
	validator.addValidToken("tok", RoleTransport)

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	wrapped := AuthMiddleware(validator, RoleOperator)(handler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic tok", http.StatusUnauthorized},
		{"no token", "Bearer", http.StatusUnauthorized},
		{"extra parts", "Bearer tok extra", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"role not allowed", "Bearer tok", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, wrapped, tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.False(t, called, "handler must not run for rejected requests")
}

func TestAuthMiddleware_AnyOfRoles(t *testing.T) {
	validator := newTestTokenValidator()
	validator.addValidToken("op", RoleOperator)
	validator.addValidToken("tr", RoleTransport)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	wrapped := AuthMiddleware(validator, RoleOperator, RoleTransport)(handler)

	assert.Equal(t, http.StatusOK, serve(t, wrapped, "Bearer op").Code)
	assert.Equal(t, http.StatusOK, serve(t, wrapped, "Bearer tr").Code)
}

func TestGetRole_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := GetRole(req)
	assert.Error(t, err)
}
