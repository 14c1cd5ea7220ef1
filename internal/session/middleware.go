package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
)

// Header names the session layer consumes.
const (
	SessionIDHeader    = "Mcp-Session-Id"
	SessionTokenHeader = "X-Session-Token"
)

type contextKey int

const (
	ctxSessionID contextKey = iota
	ctxAccount
	ctxFingerprint
)

// RequestSessionID returns the session ID from the context, or "".
func RequestSessionID(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

// RequestAccount returns the token-bound account from the context, or "".
func RequestAccount(ctx context.Context) string {
	v, _ := ctx.Value(ctxAccount).(string)
	return v
}

// RequestFingerprint returns the connection fingerprint from the
// context, or "".
func RequestFingerprint(ctx context.Context) string {
	v, _ := ctx.Value(ctxFingerprint).(string)
	return v
}

// WithSessionContext returns a context carrying the given session id and
// fingerprint, the way the middleware installs them.
func WithSessionContext(ctx context.Context, sessionID, fingerprint string) context.Context {
	ctx = context.WithValue(ctx, ctxSessionID, sessionID)

	return context.WithValue(ctx, ctxFingerprint, fingerprint)
}

// RandomHex returns a hex string of n random bytes.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// Middleware returns HTTP middleware that establishes the session
// context for protected endpoints. A request without a session ID gets a
// fresh random one echoed back in the response header; an existing ID is
// never trusted beyond what a valid session token for that exact ID
// proves. Requests carrying an invalid token are rejected outright
// rather than downgraded to anonymous.
func (m *Manager) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get(SessionIDHeader)
			if sessionID == "" {
				sessionID = RandomHex(16)
				w.Header().Set(SessionIDHeader, sessionID)

				logger.Debug("middleware: assigned fresh session id",
					slog.String("session_id", sessionID),
					slog.String("path", r.URL.Path),
				)
			}

			fingerprint := FingerprintFromRequest(r)

			account := ""
			if token := r.Header.Get(SessionTokenHeader); token != "" {
				ok, tokenAccount := m.VerifySessionToken(token, sessionID)
				if !ok {
					logger.Debug("middleware: rejected session token",
						slog.String("session_id", sessionID),
						slog.String("path", r.URL.Path),
					)
					http.Error(w, "invalid session token", http.StatusUnauthorized)

					return
				}

				if tokenAccount != anonymousAccount {
					account = tokenAccount
				}
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxSessionID, sessionID)
			ctx = context.WithValue(ctx, ctxAccount, account)
			ctx = context.WithValue(ctx, ctxFingerprint, fingerprint)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
