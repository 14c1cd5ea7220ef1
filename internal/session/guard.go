package session

import (
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/alexjbarnes/credproxy/internal/credstore"
	"github.com/alexjbarnes/credproxy/internal/errors"
	"github.com/alexjbarnes/credproxy/internal/models"
)

// Guard is the only path from a session to a stored credential. Every
// read goes through ValidateSessionAccess first, so a credential can
// never leave the store for a session that has not authenticated the
// account it names.
type Guard struct {
	manager *Manager
	store   *credstore.Store
	logger  *slog.Logger
}

// NewGuard wires a session manager in front of a credential store.
func NewGuard(manager *Manager, store *credstore.Store, logger *slog.Logger) *Guard {
	return &Guard{manager: manager, store: store, logger: logger}
}

// Credential returns the stored credential for account if the session is
// authorized for it. Denied access and a missing credential look the
// same to the caller; the audit log carries the distinction.
func (g *Guard) Credential(sessionID, account, fingerprint string) (*models.Credential, error) {
	if !g.manager.ValidateSessionAccess(sessionID, account, fingerprint) {
		return nil, errors.ErrUnauthorized
	}

	cred, err := g.store.Load(account)
	if err != nil {
		// Decrypt failures surface as absence so a probing client cannot
		// distinguish a corrupted record from a missing one.
		if stderrors.Is(err, errors.ErrDecryptFailed) {
			return nil, errors.ErrNoCredential
		}

		return nil, err
	}

	return cred, nil
}

// Bind persists a freshly obtained credential and authorizes the session
// for its account in one step. Returns the session token to hand back to
// the client.
func (g *Guard) Bind(sessionID, account, fingerprint string, cred *models.Credential, ttl time.Duration) (string, error) {
	token, err := g.manager.RegisterAuthenticatedSession(sessionID, account, fingerprint, ttl)
	if err != nil {
		return "", err
	}

	if err := g.store.Save(account, cred); err != nil {
		g.logger.Error("persisting credential failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)

		return "", err
	}

	return token, nil
}

// Revoke removes the account from the session's authorization set and
// deletes its stored credential.
func (g *Guard) Revoke(sessionID, account string) error {
	g.manager.RevokeAccount(sessionID, account)

	return g.store.Delete(account)
}

// Accounts lists the accounts this session may access.
func (g *Guard) Accounts(sessionID string) []string {
	return g.manager.Accounts(sessionID)
}
