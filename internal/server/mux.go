// Package server provides HTTP server construction for credproxy.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/credproxy/internal/proxy"
	"github.com/alexjbarnes/credproxy/internal/scopes"
	"github.com/alexjbarnes/credproxy/internal/session"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Registry   *proxy.Registry
	Exchanger  *proxy.Exchanger
	Guard      *session.Guard
	Manager    *session.Manager
	Resolver   scopes.Resolver
	MCPHandler http.Handler
	Logger     *slog.Logger
	ServerURL  string
	Upstream   proxy.Upstream
	SessionTTL time.Duration

	// DefaultScopeGroup names the scope bundle applied to registrations
	// that omit a scope.
	DefaultScopeGroup string
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// client management, token, and MCP endpoints. The MCP endpoint is
// wrapped in the session middleware so tools see a session context.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", proxy.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", proxy.HandleServerMetadata(cfg.ServerURL, cfg.Upstream))
	mux.HandleFunc("/oauth/register", proxy.HandleRegistration(cfg.Registry, cfg.Resolver, cfg.DefaultScopeGroup, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("/oauth/register/{client_id}", proxy.HandleClientManagement(cfg.Registry, cfg.ServerURL))

	sessionMiddleware := cfg.Manager.Middleware(cfg.Logger)
	mux.Handle("/oauth/token", sessionMiddleware(proxy.HandleToken(cfg.Exchanger, cfg.Guard, cfg.SessionTTL, cfg.Logger)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", sessionMiddleware(cfg.MCPHandler))
	}

	return mux
}
