package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/credstore"
	"github.com/alexjbarnes/credproxy/internal/models"
	"github.com/alexjbarnes/credproxy/internal/session"
)

const testServerURL = "https://proxy.example.com"

func decodeRegistration(t *testing.T, rec *httptest.ResponseRecorder) registrationResponse {
	t.Helper()

	var resp registrationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	return resp
}

func TestHandleRegistration(t *testing.T) {
	registry := newTestRegistry(t)
	handler := HandleRegistration(registry, nil, "", testLogger, testServerURL)

	body := `{"client_name":"my-agent","redirect_uris":["http://127.0.0.1/callback"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeRegistration(t, rec)
	assert.True(t, strings.HasPrefix(resp.ClientID, ClientIDPrefix))
	assert.NotEmpty(t, resp.ClientSecret)
	assert.NotZero(t, resp.ClientIDIssuedAt)
	assert.Zero(t, resp.ClientSecretExpiresAt)
	assert.NotEmpty(t, resp.RegistrationAccessToken)
	assert.Equal(t, testServerURL+"/oauth/register/"+resp.ClientID, resp.RegistrationClientURI)
	assert.Equal(t, "my-agent", resp.ClientName)
	assert.Equal(t, []string{"http://127.0.0.1/callback"}, resp.RedirectURIs)

	// The real pair never appears anywhere in the response.
	assert.NotContains(t, rec.Body.String(), "real-client-id")
	assert.NotContains(t, rec.Body.String(), "real-client-secret")
}

func TestHandleRegistration_DefaultScopeFromResolver(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().ResolveScopeGroup("default").Return([]string{"email", "profile"}, nil)

	registry := newTestRegistry(t)
	handler := HandleRegistration(registry, resolver, "default", testLogger, testServerURL)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "email profile", decodeRegistration(t, rec).Scope)
}

func TestHandleRegistration_RequestScopeWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	// Resolver must not be consulted when the request names a scope.

	registry := newTestRegistry(t)
	handler := HandleRegistration(registry, resolver, "default", testLogger, testServerURL)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{"scope":"calendar"}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "calendar", decodeRegistration(t, rec).Scope)
}

func TestHandleRegistration_BadBody(t *testing.T) {
	registry := newTestRegistry(t)
	handler := HandleRegistration(registry, nil, "", testLogger, testServerURL)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{broken`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func managementRequest(t *testing.T, method, clientID, bearer, body string) *http.Request {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, "/oauth/register/"+clientID, reader)
	req.SetPathValue("client_id", clientID)

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return req
}

func TestHandleClientManagement_Get(t *testing.T) {
	registry := newTestRegistry(t)
	created := registry.Register(models.ClientMetadata{ClientName: "my-agent"})
	handler := HandleClientManagement(registry, testServerURL)

	rec := httptest.NewRecorder()
	handler(rec, managementRequest(t, http.MethodGet, created.ClientID, created.ManagementKey, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-agent", decodeRegistration(t, rec).ClientName)
}

func TestHandleClientManagement_PutRotatesManagementToken(t *testing.T) {
	registry := newTestRegistry(t)
	created := registry.Register(models.ClientMetadata{ClientName: "before"})
	handler := HandleClientManagement(registry, testServerURL)

	rec := httptest.NewRecorder()
	handler(rec, managementRequest(t, http.MethodPut, created.ClientID, created.ManagementKey, `{"client_name":"after"}`))

	require.Equal(t, http.StatusOK, rec.Code)

	updated := decodeRegistration(t, rec)
	assert.Equal(t, "after", updated.ClientName)
	assert.NotEqual(t, created.ManagementKey, updated.RegistrationAccessToken)

	// The old token is dead after rotation.
	rec = httptest.NewRecorder()
	handler(rec, managementRequest(t, http.MethodGet, created.ClientID, created.ManagementKey, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleClientManagement_Delete(t *testing.T) {
	registry := newTestRegistry(t)
	created := registry.Register(models.ClientMetadata{})
	handler := HandleClientManagement(registry, testServerURL)

	rec := httptest.NewRecorder()
	handler(rec, managementRequest(t, http.MethodDelete, created.ClientID, created.ManagementKey, ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 0, registry.Len())
}

func TestHandleClientManagement_UnknownAndWrongTokenLookAlike(t *testing.T) {
	registry := newTestRegistry(t)
	created := registry.Register(models.ClientMetadata{})
	handler := HandleClientManagement(registry, testServerURL)

	wrongToken := httptest.NewRecorder()
	handler(wrongToken, managementRequest(t, http.MethodGet, created.ClientID, "wrong", ""))

	unknownClient := httptest.NewRecorder()
	handler(unknownClient, managementRequest(t, http.MethodGet, "mcp_proxy_nope", "wrong", ""))

	assert.Equal(t, http.StatusUnauthorized, wrongToken.Code)
	assert.Equal(t, unknownClient.Code, wrongToken.Code)
	assert.Equal(t, unknownClient.Body.String(), wrongToken.Body.String())
}

func TestHandleClientManagement_MissingBearer(t *testing.T) {
	registry := newTestRegistry(t)
	created := registry.Register(models.ClientMetadata{})
	handler := HandleClientManagement(registry, testServerURL)

	rec := httptest.NewRecorder()
	handler(rec, managementRequest(t, http.MethodGet, created.ClientID, "", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func tokenHandlerFixture(t *testing.T, providerStatus int, providerResponse map[string]any) (http.HandlerFunc, *Registry, *session.Manager, *credstore.Store) {
	t.Helper()

	srv, _ := fakeProvider(t, providerStatus, providerResponse)
	exchanger, registry := newTestExchanger(t, srv.URL)

	auditor, err := audit.New(testLogger, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	manager := session.NewManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour, auditor, testLogger)

	store, err := credstore.New(t.TempDir(), credstore.ModeMemoryOnly, nil, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	guard := session.NewGuard(manager, store, testLogger)

	return HandleToken(exchanger, guard, time.Hour, testLogger), registry, manager, store
}

func TestHandleToken_FormBody(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"email": "alice@example.com"})

	handler, registry, manager, store := tokenHandlerFixture(t, http.StatusOK, map[string]any{
		"access_token":  "provider-access",
		"refresh_token": "provider-refresh",
		"expires_in":    3600,
		"id_token":      idToken,
	})

	client := registry.Register(models.ClientMetadata{})

	form := "grant_type=authorization_code&code=auth-code&client_id=" + client.ClientID +
		"&client_secret=" + client.ClientSecret + "&redirect_uri=http%3A%2F%2F127.0.0.1%2Fcallback"

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(session.WithSessionContext(req.Context(), "sess-1", ""))

	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider-access")

	// Token exchange authorized the session and persisted the credential.
	sessionToken := rec.Header().Get(session.SessionTokenHeader)
	require.NotEmpty(t, sessionToken)

	ok, account := manager.VerifySessionToken(sessionToken, "sess-1")
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", account)

	cred, err := store.Load("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "provider-access", cred.Token)
}

func TestHandleToken_JSONBody(t *testing.T) {
	handler, registry, _, _ := tokenHandlerFixture(t, http.StatusOK, map[string]any{
		"access_token": "provider-access",
	})

	client := registry.Register(models.ClientMetadata{})

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          "auth-code",
		"client_id":     client.ClientID,
		"client_secret": client.ClientSecret,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider-access")
}

func TestHandleToken_InvalidClientCollapses(t *testing.T) {
	handler, registry, _, _ := tokenHandlerFixture(t, http.StatusOK, map[string]any{
		"access_token": "provider-access",
	})

	client := registry.Register(models.ClientMetadata{})

	wrongSecret := httptest.NewRecorder()
	handler(wrongSecret, tokenFormRequest(t, client.ClientID, "wrong-secret"))

	unknownClient := httptest.NewRecorder()
	handler(unknownClient, tokenFormRequest(t, "mcp_proxy_unknown", "whatever"))

	// Wrong secret and unknown client are indistinguishable to the caller.
	assert.Equal(t, http.StatusUnauthorized, wrongSecret.Code)
	assert.Equal(t, unknownClient.Code, wrongSecret.Code)
	assert.Equal(t, unknownClient.Body.String(), wrongSecret.Body.String())
}

func tokenFormRequest(t *testing.T, clientID, clientSecret string) *http.Request {
	t.Helper()

	form := "grant_type=authorization_code&code=auth-code&client_id=" + clientID + "&client_secret=" + clientSecret

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return req
}

func TestHandleToken_RelaysProviderError(t *testing.T) {
	handler, registry, _, _ := tokenHandlerFixture(t, http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "code expired",
	})

	client := registry.Register(models.ClientMetadata{})

	rec := httptest.NewRecorder()
	handler(rec, tokenFormRequest(t, client.ClientID, client.ClientSecret))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
	assert.Contains(t, rec.Body.String(), "code expired")
}

func TestHandleToken_UnsupportedGrant(t *testing.T) {
	handler, _, _, _ := tokenHandlerFixture(t, http.StatusOK, nil)

	form := "grant_type=password&username=u&password=p"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}
