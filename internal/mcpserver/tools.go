// Package mcpserver registers MCP tools that expose session and
// credential-store operations. It adapts the session and credstore
// packages to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/credproxy/internal/credstore"
	"github.com/alexjbarnes/credproxy/internal/session"
)

// RegisterTools adds all credential proxy tools to the given MCP server.
func RegisterTools(server *mcp.Server, guard *session.Guard, manager *session.Manager, store *credstore.Store) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "accounts_list",
		Description: "List the accounts this session is authorized to use. Accounts appear here after completing the OAuth flow through this proxy.",
	}, accountsListHandler(guard))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_info",
		Description: "Show the current session: identifier, expiry, and authorized accounts. No token values are included.",
	}, sessionInfoHandler(manager))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "account_revoke",
		Description: "Revoke this session's access to one account and delete its stored credential.",
	}, accountRevokeHandler(guard))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "storage_summary",
		Description: "Show the credential storage mode and which accounts have records in memory and on disk. Never includes token values.",
	}, storageSummaryHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "storage_migrate",
		Description: "Migrate stored credentials to a different storage mode (plaintext_file, encrypted_file, memory_only, memory_with_backup). Reports a per-account outcome.",
	}, storageMigrateHandler(store))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// AccountsListInput has no parameters.
type AccountsListInput struct{}

// SessionInfoInput has no parameters.
type SessionInfoInput struct{}

// AccountRevokeInput holds parameters for account_revoke.
type AccountRevokeInput struct {
	Account string `json:"account" jsonschema:"required,account identifier to revoke"`
}

// StorageSummaryInput has no parameters.
type StorageSummaryInput struct{}

// StorageMigrateInput holds parameters for storage_migrate.
type StorageMigrateInput struct {
	TargetMode string `json:"target_mode" jsonschema:"required,storage mode to migrate to"`
}

// --- Output types ---

// AccountsListResult lists the session's authorized accounts.
type AccountsListResult struct {
	Accounts []string `json:"accounts"`
}

// SessionInfoResult describes the current session.
type SessionInfoResult struct {
	SessionID     string   `json:"session_id"`
	Authenticated bool     `json:"authenticated"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	Accounts      []string `json:"accounts"`
}

// AccountRevokeResult reports a revocation.
type AccountRevokeResult struct {
	Account string `json:"account"`
	Revoked bool   `json:"revoked"`
}

// StorageMigrateResult reports per-account migration outcomes.
type StorageMigrateResult struct {
	Mode     string            `json:"mode"`
	Outcomes map[string]string `json:"outcomes"`
}

// --- Handlers ---

func accountsListHandler(guard *session.Guard) mcp.ToolHandlerFor[AccountsListInput, *AccountsListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ AccountsListInput) (*mcp.CallToolResult, *AccountsListResult, error) {
		sessionID := session.RequestSessionID(ctx)

		accounts := guard.Accounts(sessionID)
		if accounts == nil {
			accounts = []string{}
		}

		result := &AccountsListResult{Accounts: accounts}

		return textResult(result), result, nil
	}
}

func sessionInfoHandler(manager *session.Manager) mcp.ToolHandlerFor[SessionInfoInput, *SessionInfoResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SessionInfoInput) (*mcp.CallToolResult, *SessionInfoResult, error) {
		sessionID := session.RequestSessionID(ctx)

		result := &SessionInfoResult{
			SessionID: sessionID,
			Accounts:  []string{},
		}

		if rec := manager.Session(sessionID); rec != nil {
			result.Authenticated = true
			result.ExpiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
			result.Accounts = manager.Accounts(sessionID)
		}

		return textResult(result), result, nil
	}
}

func accountRevokeHandler(guard *session.Guard) mcp.ToolHandlerFor[AccountRevokeInput, *AccountRevokeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AccountRevokeInput) (*mcp.CallToolResult, *AccountRevokeResult, error) {
		if input.Account == "" {
			return nil, nil, fmt.Errorf("account is required")
		}

		sessionID := session.RequestSessionID(ctx)

		if err := guard.Revoke(sessionID, input.Account); err != nil {
			return nil, nil, err
		}

		result := &AccountRevokeResult{Account: input.Account, Revoked: true}

		return textResult(result), result, nil
	}
}

func storageSummaryHandler(store *credstore.Store) mcp.ToolHandlerFor[StorageSummaryInput, *credstore.Summary] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StorageSummaryInput) (*mcp.CallToolResult, *credstore.Summary, error) {
		summary := store.Summary()

		return textResult(summary), &summary, nil
	}
}

func storageMigrateHandler(store *credstore.Store) mcp.ToolHandlerFor[StorageMigrateInput, *StorageMigrateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StorageMigrateInput) (*mcp.CallToolResult, *StorageMigrateResult, error) {
		target, err := credstore.ParseMode(input.TargetMode)
		if err != nil {
			return nil, nil, err
		}

		outcomes, err := store.Migrate(target)
		if err != nil {
			return nil, nil, err
		}

		result := &StorageMigrateResult{
			Mode:     string(store.Mode()),
			Outcomes: outcomes,
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
