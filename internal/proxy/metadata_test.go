package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleServerMetadata(t *testing.T) {
	handler := HandleServerMetadata(testServerURL, testUpstream)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var meta ServerMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))

	assert.Equal(t, testServerURL, meta.Issuer)
	// Authorization goes straight to the provider; token and
	// registration stay on the proxy.
	assert.Equal(t, testUpstream.AuthURL, meta.AuthorizationEndpoint)
	assert.Equal(t, testServerURL+"/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, testServerURL+"/oauth/register", meta.RegistrationEndpoint)
	assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
}

func TestHandleProtectedResourceMetadata(t *testing.T) {
	handler := HandleProtectedResourceMetadata(testServerURL)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var meta ProtectedResourceMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))

	assert.Equal(t, testServerURL, meta.Resource)
	assert.Equal(t, []string{testServerURL}, meta.AuthorizationServers)
}

func TestMetadata_MethodNotAllowed(t *testing.T) {
	for _, handler := range []http.HandlerFunc{
		HandleServerMetadata(testServerURL, testUpstream),
		HandleProtectedResourceMetadata(testServerURL),
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	}
}
