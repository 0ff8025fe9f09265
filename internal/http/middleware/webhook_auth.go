package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const webhookClaimsKey contextKey = "webhookClaims"

const maxWebhookBody = 1 << 20

// WebhookClaims are the claims the voice runtime signs its webhooks with.
// SHA256 is the base64 digest of the request body; when set it must match.
type WebhookClaims struct {
	SHA256 string `json:"sha256,omitempty"`
	jwt.RegisteredClaims
}

// WebhookJWT verifies HS256-signed runtime webhooks. The body is read,
// checked against the token's digest claim, and restored for the handler.
func WebhookJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "webhook auth not configured", http.StatusUnauthorized)
				return
			}
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := &WebhookClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if claims.SHA256 != "" {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
				if err != nil {
					http.Error(w, "bad request", http.StatusBadRequest)
					return
				}
				_ = r.Body.Close()
				sum := sha256.Sum256(body)
				digest := base64.StdEncoding.EncodeToString(sum[:])
				if subtle.ConstantTimeCompare([]byte(digest), []byte(claims.SHA256)) != 1 {
					http.Error(w, "body digest mismatch", http.StatusUnauthorized)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			ctx := context.WithValue(r.Context(), webhookClaimsKey, *claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WebhookClaimsFromContext returns the verified webhook claims if present.
func WebhookClaimsFromContext(ctx context.Context) (WebhookClaims, bool) {
	claims, ok := ctx.Value(webhookClaimsKey).(WebhookClaims)
	return claims, ok
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for websocket upgrades that cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		return token, token != ""
	}
	if r.Method == http.MethodGet {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, true
		}
	}
	return "", false
}
