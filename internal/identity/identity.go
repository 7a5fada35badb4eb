// Package identity resolves the calling user from the trusted gateway header.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// UserHeaderName carries the authenticated user ID set by the upstream gateway.
	UserHeaderName = "X-User-ID"
	// AnonCookieName holds a generated development identity when no gateway is present.
	AnonCookieName   = "deposits_dev_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
	anonIDPattern = regexp.MustCompile(`^dev_[a-f0-9]{32}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func isValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate development id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request) (string, error) {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		id = c.Value
	} else {
		id, err = generateAnonID()
		if err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// Middleware injects the caller's user ID. Requests without a valid gateway
// header are rejected, except in development where a cookie identity is issued.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserHeaderName))
			switch {
			case userID != "" && !isValidUserID(userID):
				http.Error(w, `{"error":"invalid user identity"}`, http.StatusBadRequest)
				return
			case userID == "" && isDev:
				id, err := getOrCreateAnonID(w, r)
				if err != nil {
					http.Error(w, `{"error":"failed to establish development identity"}`, http.StatusInternalServerError)
					return
				}
				userID = id
			case userID == "":
				http.Error(w, `{"error":"missing user identity"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
