// Package session makes every credential access provably tied to a
// session that has completed authentication for the specific account it
// is asking about. Sessions without a successful authentication are
// simply absent here; the transport layer owns unauthenticated traffic.
package session

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/errors"
)

const (
	// DefaultTimeout bounds both session lifetime and token age when the
	// operator does not configure one.
	DefaultTimeout = time.Hour

	// maxAccountsPerSession caps how many accounts a single session can
	// accumulate authorization for over its lifetime.
	maxAccountsPerSession = 10

	// cleanupInterval controls how often the background sweep runs.
	cleanupInterval = 5 * time.Minute

	// secretLen is the size of a generated HMAC secret in bytes.
	secretLen = 32
)

// Record tracks one authenticated session.
type Record struct {
	SessionID    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	Account      string
	AuthMethod   string
}

// Manager issues and verifies session tokens, tracks which accounts each
// session is authorized for, binds sessions to connection fingerprints,
// and enforces rate limits and expiry. The HMAC secret is fixed at
// construction; rotating it invalidates all outstanding tokens.
type Manager struct {
	secret  []byte
	timeout time.Duration
	auditor *audit.Logger
	logger  *slog.Logger
	limiter *rateLimiter

	mu           sync.Mutex
	sessions     map[string]*Record
	authorized   map[string]map[string]struct{}
	fingerprints map[string]string
}

// NewManager creates a session security manager. A nil secret generates a
// random one, which invalidates all previously issued tokens on restart.
func NewManager(secret []byte, timeout time.Duration, auditor *audit.Logger, logger *slog.Logger) *Manager {
	if len(secret) == 0 {
		secret = make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}

		logger.Info("session secret not configured, generated a random one; tokens will not survive restart")
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Manager{
		secret:       secret,
		timeout:      timeout,
		auditor:      auditor,
		logger:       logger,
		limiter:      newRateLimiter(),
		sessions:     make(map[string]*Record),
		authorized:   make(map[string]map[string]struct{}),
		fingerprints: make(map[string]string),
	}
}

// GenerateSessionToken signs {session_id, account_or_anonymous, issued_at}
// with the manager's secret. Pure function of its inputs plus the secret.
func (m *Manager) GenerateSessionToken(sessionID, account string) string {
	token := signToken(m.secret, sessionID, account, time.Now())

	m.auditor.Record(audit.EventSessionTokenIssued, map[string]any{
		"session_id": sessionID,
		"account":    accountOrAnonymous(account),
	})

	return token
}

// VerifySessionToken checks a presented token against the session it was
// presented under. The caller only learns pass/fail; the rejection reason
// goes to the audit log.
func (m *Manager) VerifySessionToken(token, expectedSessionID string) (bool, string) {
	payload, err := parseToken(m.secret, token)
	if err != nil {
		m.auditor.Record(audit.EventSessionTokenRejected, map[string]any{
			"session_id": expectedSessionID,
			"reason":     err.Error(),
		})

		return false, ""
	}

	if payload.SessionID != expectedSessionID {
		m.auditor.Record(audit.EventSessionTokenRejected, map[string]any{
			"session_id": expectedSessionID,
			"reason":     "session id mismatch",
		})

		return false, ""
	}

	if time.Since(time.Unix(payload.IssuedAt, 0)) > m.timeout {
		m.auditor.Record(audit.EventSessionTokenRejected, map[string]any{
			"session_id": expectedSessionID,
			"reason":     "token expired",
		})

		return false, ""
	}

	return true, payload.Account
}

// RegisterAuthenticatedSession records a successful authentication of
// account on the session and returns a fresh token. Registering a second
// account on the same session extends its authorization set rather than
// replacing it, up to maxAccountsPerSession. A supplied fingerprint is
// recorded for later binding checks.
func (m *Manager) RegisterAuthenticatedSession(sessionID, account, fingerprint string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.timeout
	}

	now := time.Now()

	m.mu.Lock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		rec = &Record{
			SessionID:  sessionID,
			CreatedAt:  now,
			Account:    account,
			AuthMethod: "oauth",
		}
		m.sessions[sessionID] = rec
	}

	rec.ExpiresAt = now.Add(ttl)
	rec.LastAccessed = now

	set, ok := m.authorized[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.authorized[sessionID] = set
	}

	if _, present := set[account]; !present && len(set) >= maxAccountsPerSession {
		m.mu.Unlock()

		m.auditor.Record(audit.EventAccessDenied, map[string]any{
			"session_id": sessionID,
			"account":    account,
			"reason":     "session account limit reached",
		})

		return "", errors.ErrUnauthorized
	}

	set[account] = struct{}{}

	if fingerprint != "" {
		m.fingerprints[sessionID] = fingerprint
	}

	m.mu.Unlock()

	m.auditor.Record(audit.EventSessionRegistered, map[string]any{
		"session_id":      sessionID,
		"account":         account,
		"expires_at":      rec.ExpiresAt.UTC().Format(time.RFC3339),
		"has_fingerprint": fingerprint != "",
	})

	return m.GenerateSessionToken(sessionID, account), nil
}

// ValidateSessionAccess reports whether the session may access the
// account's stored credential right now. Checks, in order: the session
// exists and is unexpired, the account is in its authorization set, and
// the presented fingerprint matches the recorded one when both exist.
// Every outcome is audited.
func (m *Manager) ValidateSessionAccess(sessionID, account, fingerprint string) bool {
	now := time.Now()

	m.mu.Lock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		m.denied(sessionID, account, "session not found")

		return false
	}

	if now.After(rec.ExpiresAt) {
		m.mu.Unlock()
		m.denied(sessionID, account, "session expired")

		return false
	}

	if _, ok := m.authorized[sessionID][account]; !ok {
		m.mu.Unlock()
		m.denied(sessionID, account, "account not in authorization set")

		return false
	}

	if recorded, ok := m.fingerprints[sessionID]; ok && fingerprint != "" && recorded != fingerprint {
		m.mu.Unlock()
		m.denied(sessionID, account, "fingerprint mismatch")

		return false
	}

	rec.LastAccessed = now
	m.mu.Unlock()

	m.auditor.Record(audit.EventAccessGranted, map[string]any{
		"session_id": sessionID,
		"account":    account,
	})

	return true
}

func (m *Manager) denied(sessionID, account, reason string) {
	m.auditor.Record(audit.EventAccessDenied, map[string]any{
		"session_id": sessionID,
		"account":    account,
		"reason":     reason,
	})
}

// RevokeSession deletes the session record, its authorization set, and
// its fingerprint. Returns false if the session did not exist.
func (m *Manager) RevokeSession(sessionID string) bool {
	m.mu.Lock()

	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.authorized, sessionID)
	delete(m.fingerprints, sessionID)

	m.mu.Unlock()

	if ok {
		m.auditor.Record(audit.EventSessionRevoked, map[string]any{"session_id": sessionID})
	}

	return ok
}

// RevokeAccount removes one account from a session's authorization set
// without revoking the session. Returns false if the account was not in
// the set.
func (m *Manager) RevokeAccount(sessionID, account string) bool {
	m.mu.Lock()

	set, ok := m.authorized[sessionID]
	if ok {
		_, ok = set[account]
		delete(set, account)
	}

	m.mu.Unlock()

	if ok {
		m.auditor.Record(audit.EventAccountRevoked, map[string]any{
			"session_id": sessionID,
			"account":    account,
		})
	}

	return ok
}

// Accounts returns the accounts the session is currently authorized for.
func (m *Manager) Accounts(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.authorized[sessionID]

	out := make([]string, 0, len(set))
	for account := range set {
		out = append(out, account)
	}

	return out
}

// Session returns a copy of the session record, or nil if not tracked.
func (m *Manager) Session(sessionID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}

	cp := *rec

	return &cp
}

// CleanupExpiredSessions sweeps every session past its expiry. Idempotent
// and safe to call concurrently with live traffic.
func (m *Manager) CleanupExpiredSessions() int {
	now := time.Now()

	m.mu.Lock()

	var expired []string

	for id, rec := range m.sessions {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, id)
			delete(m.sessions, id)
			delete(m.authorized, id)
			delete(m.fingerprints, id)
		}
	}

	m.mu.Unlock()

	for _, id := range expired {
		m.auditor.Record(audit.EventSessionExpired, map[string]any{"session_id": id})
	}

	return len(expired)
}

// Run sweeps expired sessions periodically until the context is
// cancelled. The sweep itself stays callable synchronously for tests.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.CleanupExpiredSessions(); n > 0 {
				m.logger.Debug("swept expired sessions", slog.Int("count", n))
			}
		}
	}
}

// CheckRateLimit returns true while the identifier is under its
// failed-attempt limit. maxAttempts <= 0 applies the default.
func (m *Manager) CheckRateLimit(identifier string, maxAttempts int) bool {
	allowed := m.limiter.allowed(identifier, maxAttempts)
	if !allowed {
		m.auditor.Record(audit.EventRateLimitExceeded, map[string]any{"identifier": identifier})
	}

	return allowed
}

// RecordFailedAttempt counts a failure against the identifier.
func (m *Manager) RecordFailedAttempt(identifier string) {
	m.limiter.record(identifier)
}

// ResetFailedAttempts clears the identifier's counter, typically after a
// successful authentication.
func (m *Manager) ResetFailedAttempts(identifier string) {
	m.limiter.reset(identifier)
}

func accountOrAnonymous(account string) string {
	if account == "" {
		return anonymousAccount
	}

	return account
}
