package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/port/cache"
)

type authUserCtxKey struct{}

// ErrInvalidToken is returned for tokens matching no configured hash.
var ErrInvalidToken = errors.New("invalid token")

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Authenticator verifies bearer tokens against bcrypt hashes. Verified
// tokens are remembered in the cache under their SHA-256 digest.
type Authenticator struct {
	cfg   config.Auth
	cache cache.Cache
	ttl   time.Duration
}

// NewAuthenticator creates an Authenticator. c may be nil.
func NewAuthenticator(cfg config.Auth, c cache.Cache, ttl time.Duration) *Authenticator {
	return &Authenticator{cfg: cfg, cache: c, ttl: ttl}
}

// Verify returns the user id bound to token.
func (a *Authenticator) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(token))
	key := "auth:" + hex.EncodeToString(sum[:])

	if a.cache != nil {
		if data, ok, err := a.cache.Get(ctx, key); err == nil && ok {
			return string(data), nil
		}
	}

	for _, t := range a.cfg.Tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) != nil {
			continue
		}
		if a.cache != nil {
			if err := a.cache.Set(ctx, key, []byte(t.UserID), a.ttl); err != nil {
				slog.Debug("auth cache set failed", "error", err)
			}
		}
		return t.UserID, nil
	}
	return "", ErrInvalidToken
}

// Auth returns middleware that authenticates Authorization: Bearer tokens.
// WebSocket upgrades on /ws may pass the token as ?token=. When auth is
// disabled every request runs as the configured default user.
func Auth(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), a.cfg.DefaultUserID)))
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var token string
			if r.URL.Path == "/ws" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeAuthError(w, "authorization required")
					return
				}
				token = strings.TrimPrefix(authHeader, "Bearer ")
				if token == authHeader {
					writeAuthError(w, "invalid authorization header")
					return
				}
			}

			userID, err := a.Verify(r.Context(), strings.TrimSpace(token))
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, authUserCtxKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(authUserCtxKey{}).(string)
	return id
}
