// Package middleware provides HTTP middleware for authentication and authorization.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// roleKey is the context key for storing the authenticated role.
const roleKey ContextKey = "role"

// Roles carried by bearer tokens.
const (
	RoleOperator  = "operator"
	RoleTransport = "transport"
)

// TokenValidator is an interface for validating JWT tokens.
// This allows the middleware to work with any JWT service implementation.
type TokenValidator interface {
	ValidateToken(tokenString string) (RoleGetter, error)
}

// RoleGetter is an interface for extracting the role from token claims.
type RoleGetter interface {
	GetRole() string
}

// AuthMiddleware creates middleware that validates bearer tokens, requires one
// of the allowed roles and adds the role to the request context.
func AuthMiddleware(validator TokenValidator, allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			role := claims.GetRole()
			if len(allowed) > 0 && !slices.Contains(allowed, role) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from a case-insensitive "Bearer" Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetRole extracts the authenticated role from the request context.
func GetRole(r *http.Request) (string, error) {
	role, ok := r.Context().Value(roleKey).(string)
	if !ok {
		return "", fmt.Errorf("role not found in request context")
	}
	return role, nil
}

// RoleKey returns the context key for the role (for testing purposes).
func RoleKey() ContextKey {
	return roleKey
}
