// Package audit records security-relevant transitions as append-only
// events. Events always go to the structured log; when a log path is
// configured they are additionally appended as JSON lines to a file that
// this process never rewrites or truncates.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event type constants. Using constants keeps event names consistent
// across packages and greppable in log output.
const (
	EventSessionTokenIssued   = "session_token_issued"
	EventSessionTokenRejected = "session_token_rejected"
	EventSessionRegistered    = "session_registered"
	EventSessionRevoked       = "session_revoked"
	EventSessionExpired       = "session_expired"
	EventAccountRevoked       = "account_revoked"
	EventAccessGranted        = "access_granted"
	EventAccessDenied         = "access_denied"
	EventRateLimitExceeded    = "rate_limit_exceeded"

	EventClientRegistered = "client_registered"
	EventClientUpdated    = "client_updated"
	EventClientDeleted    = "client_deleted"
	EventClientExpired    = "client_expired"
	EventTokenExchanged   = "token_exchanged"
	EventTokenRefreshed   = "token_refreshed"
	EventExchangeFailed   = "exchange_failed"
	EventInvalidClient    = "invalid_client"
)

// Event is one append-only audit record.
type Event struct {
	Type      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger appends audit events. Safe for concurrent use.
type Logger struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates an audit logger. When path is non-empty, events are also
// appended to the file at path, created with owner-only permissions.
func New(logger *slog.Logger, path string) (*Logger, error) {
	a := &Logger{logger: logger}

	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}

		a.file = f
	}

	return a, nil
}

// Close closes the file sink if one is open.
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	err := a.file.Close()
	a.file = nil

	return err
}

// Record appends one event. Field values must be JSON-encodable; secrets
// must never be passed here.
func (a *Logger) Record(eventType string, fields map[string]any) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Fields: fields}

	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, slog.String("event", eventType))

	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	a.logger.Info("audit", attrs...)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return
	}

	line, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("dropping unencodable audit event", slog.String("event", eventType))
		return
	}

	line = append(line, '\n')
	if _, err := a.file.Write(line); err != nil {
		a.logger.Error("audit file write failed", slog.String("error", err.Error()))
	}
}
