package e2e_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/credstore"
	"github.com/alexjbarnes/credproxy/internal/proxy"
	"github.com/alexjbarnes/credproxy/internal/server"
	"github.com/alexjbarnes/credproxy/internal/session"
)

const (
	realClientID     = "e2e-real-client-id"
	realClientSecret = "e2e-real-client-secret"
	testAccount      = "alice@example.com"
	redirectURI      = "http://127.0.0.1:19876/callback"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// harness holds the full e2e stack: a real HTTP server running the
// proxy mux, plus a fake upstream provider that records what it is sent.
type harness struct {
	URL      string
	Provider *providerStub
	Manager  *session.Manager
	Store    *credstore.Store

	client *http.Client
}

// providerStub is the fake upstream token endpoint.
type providerStub struct {
	srv *httptest.Server

	// LastForm holds the form values of the most recent token call.
	LastForm url.Values

	// Status and Response control the next reply.
	Status   int
	Response map[string]any
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()

	p := &providerStub{Status: http.StatusOK}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.LastForm = r.Form

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.Status)
		_ = json.NewEncoder(w).Encode(p.Response)
	}))
	t.Cleanup(p.srv.Close)

	return p
}

// idToken builds an unsigned JWT with the given claims, the shape the
// provider stub hands back.
func idToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))

	body, err := json.Marshal(claims)
	require.NoError(t, err)

	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	provider := newProviderStub(t)
	provider.Response = map[string]any{
		"access_token":  "provider-access-token",
		"refresh_token": "provider-refresh-token",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"id_token":      idToken(t, map[string]any{"email": testAccount}),
	}

	auditor, err := audit.New(testLogger, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	upstream := proxy.Upstream{
		ClientID:     realClientID,
		ClientSecret: realClientSecret,
		AuthURL:      "https://provider.example.com/auth",
		TokenURL:     provider.srv.URL,
		Timeout:      5 * time.Second,
	}

	registry := proxy.NewRegistry(upstream, auditor, testLogger)
	manager := session.NewManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour, auditor, testLogger)

	dir := t.TempDir()
	keys, err := credstore.LoadKeyring(dir, "")
	require.NoError(t, err)

	store, err := credstore.New(dir, credstore.ModeEncryptedFile, keys, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mux := server.NewMux(server.MuxConfig{
		Registry:   registry,
		Exchanger:  proxy.NewExchanger(registry, auditor, testLogger),
		Guard:      session.NewGuard(manager, store, testLogger),
		Manager:    manager,
		Logger:     testLogger,
		ServerURL:  "https://proxy.example.com",
		Upstream:   upstream,
		SessionTTL: time.Hour,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{
		URL:      srv.URL,
		Provider: provider,
		Manager:  manager,
		Store:    store,
		client:   srv.Client(),
	}
}

// jsonBody encodes v as a request body.
func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return bytes.NewReader(data)
}

// decodeJSON decodes a response body into dest.
func decodeJSON(resp *http.Response, dest any) error {
	return json.NewDecoder(resp.Body).Decode(dest)
}

// registrationResult is the subset of the registration response the
// tests care about.
type registrationResult struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret"`
	RegistrationAccessToken string `json:"registration_access_token"`
	RegistrationClientURI   string `json:"registration_client_uri"`
	Scope                   string `json:"scope"`
}

// registerClient performs dynamic client registration and returns the
// issued temporary pair.
func (h *harness) registerClient(t *testing.T) registrationResult {
	t.Helper()

	body := map[string]any{
		"client_name":   "e2e-agent",
		"redirect_uris": []string{redirectURI},
	}

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := h.client.Post(h.URL+"/oauth/register", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result registrationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	return result
}

// tokenExchangeResponse captures the proxy's token endpoint reply plus
// the session headers riding alongside it.
type tokenExchangeResponse struct {
	Status       int
	Body         map[string]any
	SessionID    string
	SessionToken string
}

// exchangeCode drives POST /oauth/token with an authorization_code
// grant under the given session id ("" lets the proxy assign one).
func (h *harness) exchangeCode(t *testing.T, sessionID, clientID, clientSecret string) tokenExchangeResponse {
	t.Helper()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "e2e-auth-code")
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	req, err := http.NewRequest(http.MethodPost, h.URL+"/oauth/token", bytes.NewReader([]byte(form.Encode())))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if sessionID != "" {
		req.Header.Set(session.SessionIDHeader, sessionID)
	}

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	result := tokenExchangeResponse{
		Status:       resp.StatusCode,
		SessionToken: resp.Header.Get(session.SessionTokenHeader),
	}

	result.SessionID = sessionID
	if assigned := resp.Header.Get(session.SessionIDHeader); assigned != "" {
		result.SessionID = assigned
	}

	_ = json.NewDecoder(resp.Body).Decode(&result.Body)

	return result
}
