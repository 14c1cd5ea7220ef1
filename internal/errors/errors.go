// Package errors defines sentinel errors shared across internal packages.
package errors

import "errors"

// Credential proxy errors.
var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
	ErrInvalidRegistrationToken = errors.New("invalid registration access token")
	ErrUpstreamExchange         = errors.New("upstream token exchange failed")
)

// Session security errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrUnauthorized    = errors.New("session not authorized for account")
	ErrRateLimited     = errors.New("too many failed attempts")
)

// Credential storage errors.
var (
	ErrDecryptFailed = errors.New("credential decrypt failed")
	ErrNoCredential  = errors.New("no credential on file")
)
