package session

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ConnectionInfo carries the connection-level attributes a fingerprint is
// derived from. Fingerprints are an additional binding check on top of the
// session authorization set, not a credential boundary of their own.
type ConnectionInfo struct {
	RemoteIP   string
	UserAgent  string
	TLSVersion string
	TLSCipher  string
}

// Fingerprint returns a content-addressed hash of the connection
// attributes. Identical attributes always produce the same value.
func Fingerprint(info ConnectionInfo) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		info.RemoteIP,
		info.UserAgent,
		info.TLSVersion,
		info.TLSCipher,
	}, "|")))

	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFromRequest derives the fingerprint for an HTTP request.
func FingerprintFromRequest(r *http.Request) string {
	info := ConnectionInfo{
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	}

	if r.TLS != nil {
		info.TLSVersion = tls.VersionName(r.TLS.Version)
		info.TLSCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
	}

	return Fingerprint(info)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
