// Package middleware contains the HTTP middleware of the botstore service.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const adminKey contextKey = "admin"

const (
	sessionCookieName = "admin_session"
	sessionTTL        = 12 * time.Hour
)

// AdminAuth gates the back-office routes behind an HMAC-signed session
// cookie issued at login.
type AdminAuth struct {
	secretKey []byte
}

// NewAdminAuth creates the middleware with the given signing secret. An
// empty secret falls back to a random per-process key, which invalidates
// sessions on restart.
func NewAdminAuth(secret string) *AdminAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AdminAuth{
		secretKey: key,
	}
}

// Middleware rejects requests without a valid, unexpired session cookie.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !a.parseCookie(cookie.Value) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), adminKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetSessionCookie issues a fresh admin session cookie after login.
func (a *AdminAuth) SetSessionCookie(w http.ResponseWriter) {
	expires := time.Now().Add(sessionTTL)
	value := a.signExpiry(expires.Unix())

	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// The cookie value is "<unix expiry>.<hex hmac>"; the expiry is covered by
// the signature so it cannot be extended client-side.
func (a *AdminAuth) signExpiry(expiresUnix int64) string {
	expStr := strconv.FormatInt(expiresUnix, 10)
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(expStr))
	signature := mac.Sum(nil)
	return expStr + "." + hex.EncodeToString(signature)
}

func (a *AdminAuth) parseCookie(cookieValue string) bool {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return false
	}

	expStr := parts[0]
	signature := parts[1]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(expStr))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return false
	}

	expiresUnix, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}

	return time.Now().Unix() < expiresUnix
}

// IsAdminFromContext reports whether the request passed admin auth.
func IsAdminFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(adminKey).(bool)
	return ok
}
