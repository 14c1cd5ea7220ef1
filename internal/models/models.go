// Package models defines types shared across internal packages.
package models

import (
	"time"

	"golang.org/x/oauth2"
)

// Credential is a long-lived provider credential stored for one account.
// The JSON field names match the on-disk record layout, so a record written
// by one storage mode can be read back by any other.
type Credential struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// OAuth2Token converts the stored credential to an oauth2.Token so callers
// can use the standard Valid() expiry check and token-source plumbing.
func (c *Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.Token,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// ClientMetadata holds the RFC 7591 client metadata supplied at
// registration and echoed back in management responses.
type ClientMetadata struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}
