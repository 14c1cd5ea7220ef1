package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/errors"
	"github.com/alexjbarnes/credproxy/internal/models"
)

// ExchangeRequest carries the client-supplied parameters of one token
// endpoint call. ClientID and ClientSecret hold the temporary pair; the
// exchanger swaps in the real one.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Scope        string
}

// ExchangeResult is the upstream provider's response, relayed verbatim
// as Body, plus fields parsed out of it for the proxy's own use.
type ExchangeResult struct {
	Status  int
	Body    []byte
	Account string
	Cred    *models.Credential
}

// Exchanger performs token exchanges against the upstream provider on
// behalf of temporary clients.
type Exchanger struct {
	registry *Registry
	client   *http.Client
	tokenURL string
	auditor  *audit.Logger
	logger   *slog.Logger
}

// NewExchanger creates an exchanger using the registry's upstream
// endpoints.
func NewExchanger(registry *Registry, auditor *audit.Logger, logger *slog.Logger) *Exchanger {
	timeout := registry.upstream.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Exchanger{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		tokenURL: registry.upstream.TokenURL,
		auditor:  auditor,
		logger:   logger,
	}
}

// Exchange forwards the grant to the upstream token endpoint with the
// real credentials substituted in. A client id carrying the proxy prefix
// is resolved through the registry before any network I/O; no request
// reaches the provider for a client that fails to resolve. An
// unprefixed id is treated as an already-real pair and forwarded as
// supplied, which keeps direct operator use working.
func (e *Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	realID, realSecret := req.ClientID, req.ClientSecret

	if strings.HasPrefix(req.ClientID, ClientIDPrefix) {
		rec, err := e.registry.Resolve(req.ClientID, req.ClientSecret)
		if err != nil {
			return nil, err
		}

		realID, realSecret = rec.RealClientID, rec.RealSecret

		// PKCE parameters seen at authorization time should line up with
		// the verifier presented here. A mismatch is diagnostic, not
		// fatal; the provider performs the authoritative check.
		if rec.CodeChallenge != "" && req.CodeVerifier != "" && !verifyPKCE(req.CodeVerifier, rec.CodeChallenge) {
			e.logger.Warn("code_verifier does not match recorded code_challenge",
				slog.String("client_id", req.ClientID),
			)
		}
	}

	form := url.Values{}
	form.Set("grant_type", req.GrantType)
	form.Set("client_id", realID)

	if realSecret != "" {
		form.Set("client_secret", realSecret)
	}

	switch req.GrantType {
	case "authorization_code":
		form.Set("code", req.Code)
		form.Set("redirect_uri", req.RedirectURI)

		if req.CodeVerifier != "" {
			form.Set("code_verifier", req.CodeVerifier)
		}
	case "refresh_token":
		form.Set("refresh_token", req.RefreshToken)
	}

	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}

	result, err := e.post(ctx, form)
	if err != nil {
		e.auditor.Record(audit.EventExchangeFailed, map[string]any{
			"client_id":  req.ClientID,
			"grant_type": req.GrantType,
			"reason":     err.Error(),
		})

		return nil, fmt.Errorf("%w: %w", errors.ErrUpstreamExchange, err)
	}

	event := audit.EventTokenExchanged
	if req.GrantType == "refresh_token" {
		event = audit.EventTokenRefreshed
	}

	if result.Status != http.StatusOK {
		event = audit.EventExchangeFailed

		body := gjson.ParseBytes(result.Body)
		e.logger.Warn("upstream rejected token exchange",
			slog.Int("status", result.Status),
			slog.String("error", body.Get("error").String()),
			slog.String("error_description", body.Get("error_description").String()),
		)
	}

	e.auditor.Record(event, map[string]any{
		"client_id":  req.ClientID,
		"grant_type": req.GrantType,
		"status":     result.Status,
		"account":    result.Account,
	})

	return result, nil
}

func (e *Exchanger) post(ctx context.Context, form url.Values) (*ExchangeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &ExchangeResult{Status: resp.StatusCode, Body: body}

	if resp.StatusCode == http.StatusOK {
		result.Account = accountFromResponse(body)
		result.Cred = e.credentialFromResponse(body)
	}

	return result, nil
}

// credentialFromResponse builds the storable credential from a
// successful token response. The stored record carries the real pair so
// refreshes keep working after the temporary client expires.
func (e *Exchanger) credentialFromResponse(body []byte) *models.Credential {
	parsed := gjson.ParseBytes(body)

	accessToken := parsed.Get("access_token").String()
	if accessToken == "" {
		return nil
	}

	cred := &models.Credential{
		Token:        accessToken,
		RefreshToken: parsed.Get("refresh_token").String(),
		TokenURI:     e.tokenURL,
		ClientID:     e.registry.upstream.ClientID,
		ClientSecret: e.registry.upstream.ClientSecret,
	}

	if scope := parsed.Get("scope").String(); scope != "" {
		cred.Scopes = strings.Fields(scope)
	}

	if expiresIn := parsed.Get("expires_in").Int(); expiresIn > 0 {
		cred.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second).UTC()
	}

	return cred
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}

// accountFromResponse extracts the authenticated account from the
// id_token claims when the provider returns one: email when present,
// otherwise sub. The signature is not verified here; the token arrived
// over the provider's TLS channel in direct response to our exchange.
func accountFromResponse(body []byte) string {
	idToken := gjson.GetBytes(body, "id_token").String()
	if idToken == "" {
		return ""
	}

	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}

	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}

	if email := gjson.GetBytes(claims, "email").String(); email != "" {
		return email
	}

	return gjson.GetBytes(claims, "sub").String()
}
