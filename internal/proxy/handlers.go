package proxy

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/credproxy/internal/errors"
	"github.com/alexjbarnes/credproxy/internal/models"
	"github.com/alexjbarnes/credproxy/internal/scopes"
	"github.com/alexjbarnes/credproxy/internal/session"
)

const maxRequestBody = 1 << 20 // 1 MiB

// registrationResponse is the RFC 7591 registration response. The same
// shape is returned by GET and PUT on the management endpoint.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

func registrationResponseFor(rec *ClientRecord, serverURL string, includeTokens bool) registrationResponse {
	resp := registrationResponse{
		ClientID:                rec.ClientID,
		ClientSecret:            rec.ClientSecret,
		ClientIDIssuedAt:        rec.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		ClientName:              rec.Metadata.ClientName,
		RedirectURIs:            rec.Metadata.RedirectURIs,
		GrantTypes:              rec.Metadata.GrantTypes,
		ResponseTypes:           rec.Metadata.ResponseTypes,
		TokenEndpointAuthMethod: rec.Metadata.TokenEndpointAuthMethod,
		Scope:                   rec.Metadata.Scope,
	}

	if includeTokens {
		resp.RegistrationAccessToken = rec.ManagementKey
		resp.RegistrationClientURI = strings.TrimRight(serverURL, "/") + "/oauth/register/" + rec.ClientID
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// HandleRegistration returns the POST /oauth/register handler. The
// default scope comes from the resolver's default group when the request
// names none; resolver failures degrade to an empty scope rather than
// rejecting the registration.
func HandleRegistration(registry *Registry, resolver scopes.Resolver, defaultGroup string, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var meta models.ClientMetadata
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if meta.Scope == "" && resolver != nil && defaultGroup != "" {
			resolved, err := resolver.ResolveScopeGroup(defaultGroup)
			if err != nil {
				logger.Warn("default scope group not resolvable",
					slog.String("group", defaultGroup),
					slog.String("error", err.Error()),
				)
			} else {
				meta.Scope = strings.Join(resolved, " ")
			}
		}

		rec := registry.Register(meta)

		writeJSON(w, http.StatusCreated, registrationResponseFor(rec, serverURL, true))
	}
}

// HandleClientManagement returns the /oauth/register/{client_id} handler
// for GET, PUT, and DELETE (RFC 7592). All three require the
// registration access token as a Bearer credential; a bad token and an
// unknown client produce the same response so the endpoint cannot be
// used to probe for client ids.
func HandleClientManagement(registry *Registry, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.PathValue("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		managementKey := strings.TrimPrefix(authHeader, "Bearer ")

		switch r.Method {
		case http.MethodGet:
			rec, err := registry.Get(clientID, managementKey)
			if err != nil {
				writeManagementError(w, err)
				return
			}

			resp := registrationResponseFor(rec, serverURL, true)
			writeJSON(w, http.StatusOK, resp)

		case http.MethodPut:
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

			var meta models.ClientMetadata
			if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
				return
			}

			rec, err := registry.Update(clientID, managementKey, meta)
			if err != nil {
				writeManagementError(w, err)
				return
			}

			writeJSON(w, http.StatusOK, registrationResponseFor(rec, serverURL, true))

		case http.MethodDelete:
			if err := registry.Delete(clientID, managementKey); err != nil {
				writeManagementError(w, err)
				return
			}

			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// writeManagementError collapses unknown-client and bad-token into one
// response shape.
func writeManagementError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, errors.ErrClientNotFound) || stderrors.Is(err, errors.ErrInvalidRegistrationToken) {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid registration access token")
		return
	}

	writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

// HandleToken returns the POST /oauth/token handler. It intercepts the
// grant, swaps the temporary pair for the real one, forwards the call
// upstream, and relays the provider's JSON verbatim. When the provider
// identifies the account, the credential is persisted and the caller's
// session is authorized for it; the issued session token rides back in
// the X-Session-Token response header next to the provider payload.
func HandleToken(exchanger *Exchanger, guard *session.Guard, sessionTTL time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}
			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				RedirectURI:  r.FormValue("redirect_uri"),
				CodeVerifier: r.FormValue("code_verifier"),
				RefreshToken: r.FormValue("refresh_token"),
				ClientID:     r.FormValue("client_id"),
				ClientSecret: r.FormValue("client_secret"),
				Scope:        r.FormValue("scope"),
			}
		}

		// Confidential clients may also authenticate via HTTP Basic.
		if req.ClientID == "" {
			if id, secret, ok := r.BasicAuth(); ok {
				req.ClientID, req.ClientSecret = id, secret
			}
		}

		switch req.GrantType {
		case "authorization_code":
			if req.Code == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
				return
			}
		case "refresh_token":
			if req.RefreshToken == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
				return
			}
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
			return
		}

		result, err := exchanger.Exchange(r.Context(), ExchangeRequest{
			GrantType:    req.GrantType,
			Code:         req.Code,
			RedirectURI:  req.RedirectURI,
			CodeVerifier: req.CodeVerifier,
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Scope:        req.Scope,
		})
		if err != nil {
			// Unknown client and wrong secret collapse to one response so
			// the endpoint is not a credential oracle.
			if stderrors.Is(err, errors.ErrClientNotFound) || stderrors.Is(err, errors.ErrInvalidClientCredentials) {
				writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
				return
			}

			writeJSONError(w, http.StatusBadGateway, "temporarily_unavailable", "token exchange with provider failed")

			return
		}

		if result.Status == http.StatusOK && result.Account != "" && result.Cred != nil && guard != nil {
			sessionID := session.RequestSessionID(r.Context())
			if sessionID != "" {
				token, bindErr := guard.Bind(sessionID, result.Account, session.RequestFingerprint(r.Context()), result.Cred, sessionTTL)
				if bindErr != nil {
					logger.Error("binding session to account failed",
						slog.String("account", result.Account),
						slog.String("error", bindErr.Error()),
					)
				} else {
					w.Header().Set(session.SessionTokenHeader, token)
				}
			}
		}

		// Relay the provider's response verbatim, status included.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.Status)
		_, _ = w.Write(result.Body)
	}
}
