package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// anonymousAccount is the account placeholder bound into tokens issued
// before any authentication has completed.
const anonymousAccount = "anonymous"

// tokenPayload is the signed content of a session token.
type tokenPayload struct {
	SessionID string `json:"sid"`
	Account   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
}

// signToken builds an opaque bearer token: base64url(payload JSON) + "." +
// hex HMAC-SHA256 over the encoded payload.
func signToken(secret []byte, sessionID, account string, issuedAt time.Time) string {
	if account == "" {
		account = anonymousAccount
	}

	payload, _ := json.Marshal(tokenPayload{
		SessionID: sessionID,
		Account:   account,
		IssuedAt:  issuedAt.Unix(),
	})

	encoded := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))

	return encoded + "." + hex.EncodeToString(mac.Sum(nil))
}

// parseToken verifies the signature and decodes the payload. The
// signature check uses hmac.Equal, which is constant-time.
func parseToken(secret []byte, token string) (*tokenPayload, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx < 0 {
		return nil, fmt.Errorf("malformed token")
	}

	encoded, sigHex := token[:idx], token[idx+1:]

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("malformed signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed payload")
	}

	payload := &tokenPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("malformed payload")
	}

	return payload, nil
}
