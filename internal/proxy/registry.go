// Package proxy implements the credential isolation layer: clients
// register through this server and receive temporary OAuth client
// credentials, and the registry maps those back to the real upstream
// pair at token-exchange time. The real client id and secret never
// appear in any response served to a client.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/errors"
	"github.com/alexjbarnes/credproxy/internal/models"
)

const (
	// ClientIDPrefix marks every temporary client id issued by this
	// registry, so real upstream ids can never be mistaken for them.
	ClientIDPrefix = "mcp_proxy_"

	// clientExpiry bounds how long an unused temporary client stays
	// resolvable.
	clientExpiry = 24 * time.Hour

	// sweepInterval controls the background expiry sweep.
	sweepInterval = 5 * time.Minute
)

// Upstream is the real OAuth client pair plus provider endpoints this
// proxy fronts for.
type Upstream struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Timeout      time.Duration
}

// ClientRecord is one temporary client registration. The real pair is
// carried here so resolution is a single lookup, and it is never
// serialized into any client-facing response.
type ClientRecord struct {
	ClientID      string
	ClientSecret  string
	RealClientID  string
	RealSecret    string
	Metadata      models.ClientMetadata
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastAccessed  time.Time
	ManagementKey string

	// PKCE parameters observed on the authorization leg, kept for the
	// token exchange.
	CodeChallenge       string
	CodeChallengeMethod string
}

// public reports whether the client registered without a secret.
func (c *ClientRecord) public() bool {
	return c.Metadata.TokenEndpointAuthMethod == "none"
}

// Registry maps temporary client credentials to the real upstream pair.
// All state is in memory; a restart invalidates every issued pair, which
// simply forces clients to re-register.
type Registry struct {
	upstream Upstream
	auditor  *audit.Logger
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*ClientRecord
}

// NewRegistry creates an empty client registry for the given upstream.
func NewRegistry(upstream Upstream, auditor *audit.Logger, logger *slog.Logger) *Registry {
	return &Registry{
		upstream: upstream,
		auditor:  auditor,
		logger:   logger,
		clients:  make(map[string]*ClientRecord),
	}
}

// RandomHex returns a hex string of n random bytes.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// Register issues a temporary client for the given metadata. Absent
// metadata fields get defaults; the caller is responsible for filling
// Scope before calling when a scope policy applies. Each registration
// sweeps expired records opportunistically.
func (r *Registry) Register(meta models.ClientMetadata) *ClientRecord {
	r.SweepExpired()

	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = []string{"authorization_code", "refresh_token"}
	}

	if len(meta.ResponseTypes) == 0 {
		meta.ResponseTypes = []string{"code"}
	}

	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = "client_secret_post"
	}

	now := time.Now()
	rec := &ClientRecord{
		ClientID:      ClientIDPrefix + RandomHex(16),
		RealClientID:  r.upstream.ClientID,
		RealSecret:    r.upstream.ClientSecret,
		Metadata:      meta,
		CreatedAt:     now,
		ExpiresAt:     now.Add(clientExpiry),
		LastAccessed:  now,
		ManagementKey: RandomHex(32),
	}

	if !rec.public() {
		rec.ClientSecret = RandomHex(32)
	}

	r.mu.Lock()
	r.clients[rec.ClientID] = rec
	r.mu.Unlock()

	r.auditor.Record(audit.EventClientRegistered, map[string]any{
		"client_id":   rec.ClientID,
		"client_name": meta.ClientName,
		"public":      rec.public(),
	})

	return rec
}

// Resolve maps a temporary client pair to the record holding the real
// credentials. Fails closed: an unknown id, an expired registration, or
// a secret mismatch all return an error and never fall through to the
// real pair. Expired records are evicted on the spot.
func (r *Registry) Resolve(clientID, clientSecret string) (*ClientRecord, error) {
	if !strings.HasPrefix(clientID, ClientIDPrefix) {
		r.invalid(clientID, "not a proxy client id")

		return nil, errors.ErrClientNotFound
	}

	r.mu.Lock()

	rec, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		r.invalid(clientID, "unknown client id")

		return nil, errors.ErrClientNotFound
	}

	if time.Now().After(rec.ExpiresAt) {
		delete(r.clients, clientID)
		r.mu.Unlock()

		r.auditor.Record(audit.EventClientExpired, map[string]any{"client_id": clientID})

		return nil, errors.ErrClientNotFound
	}

	// Public clients carry no secret, so there is nothing to compare.
	if !rec.public() {
		if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(rec.ClientSecret)) != 1 {
			r.mu.Unlock()
			r.invalid(clientID, "client secret mismatch")

			return nil, errors.ErrInvalidClientCredentials
		}
	}

	rec.LastAccessed = time.Now()

	cp := *rec
	r.mu.Unlock()

	return &cp, nil
}

func (r *Registry) invalid(clientID, reason string) {
	r.auditor.Record(audit.EventInvalidClient, map[string]any{
		"client_id": clientID,
		"reason":    reason,
	})
}

// Get returns the record for a management operation, authenticated by
// the registration access token issued at registration time.
func (r *Registry) Get(clientID, managementKey string) (*ClientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return nil, errors.ErrClientNotFound
	}

	if subtle.ConstantTimeCompare([]byte(managementKey), []byte(rec.ManagementKey)) != 1 {
		return nil, errors.ErrInvalidRegistrationToken
	}

	cp := *rec

	return &cp, nil
}

// Update replaces the client's metadata and rotates both its secret and
// its registration access token, per RFC 7592 update semantics.
func (r *Registry) Update(clientID, managementKey string, meta models.ClientMetadata) (*ClientRecord, error) {
	r.mu.Lock()

	rec, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()

		return nil, errors.ErrClientNotFound
	}

	if subtle.ConstantTimeCompare([]byte(managementKey), []byte(rec.ManagementKey)) != 1 {
		r.mu.Unlock()

		return nil, errors.ErrInvalidRegistrationToken
	}

	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = rec.Metadata.GrantTypes
	}

	if len(meta.ResponseTypes) == 0 {
		meta.ResponseTypes = rec.Metadata.ResponseTypes
	}

	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = rec.Metadata.TokenEndpointAuthMethod
	}

	rec.Metadata = meta
	rec.ManagementKey = RandomHex(32)

	if rec.public() {
		rec.ClientSecret = ""
	} else {
		rec.ClientSecret = RandomHex(32)
	}

	cp := *rec
	r.mu.Unlock()

	r.auditor.Record(audit.EventClientUpdated, map[string]any{"client_id": clientID})

	return &cp, nil
}

// Delete removes the registration, authenticated by the registration
// access token.
func (r *Registry) Delete(clientID, managementKey string) error {
	r.mu.Lock()

	rec, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()

		return errors.ErrClientNotFound
	}

	if subtle.ConstantTimeCompare([]byte(managementKey), []byte(rec.ManagementKey)) != 1 {
		r.mu.Unlock()

		return errors.ErrInvalidRegistrationToken
	}

	delete(r.clients, clientID)
	r.mu.Unlock()

	r.auditor.Record(audit.EventClientDeleted, map[string]any{"client_id": clientID})

	return nil
}

// StorePKCE records the PKCE parameters seen on the authorization leg so
// the token exchange can forward them.
func (r *Registry) StorePKCE(clientID, challenge, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return errors.ErrClientNotFound
	}

	rec.CodeChallenge = challenge
	rec.CodeChallengeMethod = method

	return nil
}

// Len reports how many clients are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}

// SweepExpired evicts expired registrations. Safe to call concurrently
// with resolution, which performs the same eviction opportunistically.
func (r *Registry) SweepExpired() int {
	now := time.Now()

	r.mu.Lock()

	var expired []string

	for id, rec := range r.clients {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, id)
			delete(r.clients, id)
		}
	}

	r.mu.Unlock()

	for _, id := range expired {
		r.auditor.Record(audit.EventClientExpired, map[string]any{"client_id": id})
	}

	return len(expired)
}

// Run sweeps expired clients periodically until the context is
// cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.SweepExpired(); n > 0 {
				r.logger.Debug("swept expired clients", slog.Int("count", n))
			}
		}
	}
}
