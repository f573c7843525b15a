/**
 * @description
 * This file contains custom middleware for the HTTP router. Presentation adapters
 * (chat bot, web PIN pad) authenticate with an HS256 JWT signed with a shared secret.
 * A token either names the account it acts for in `sub`, or carries `role=adapter`
 * and may relay events for any account.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "adapterCaller"

// AdapterRole lets a token relay events for any account.
const AdapterRole = "adapter"

// Caller is the authenticated principal behind a request.
type Caller struct {
	Subject string
	Role    string
}

// CanActFor reports whether the caller may drive the PIN session of accountID.
func (c Caller) CanActFor(accountID string) bool {
	return c.Role == AdapterRole || (c.Subject != "" && c.Subject == accountID)
}

type adapterClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AdapterAuthMiddleware validates HS256 adapter tokens.
func AdapterAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "Authentication is not configured", http.StatusServiceUnavailable)
				return
			}

			// Get the Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &adapterClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" && claims.Role != AdapterRole {
				http.Error(w, "Token has no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, Caller{Subject: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller retrieves the authenticated caller from the request context.
func GetCaller(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey).(Caller)
	return caller, ok
}
