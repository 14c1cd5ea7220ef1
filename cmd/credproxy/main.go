package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/credproxy/internal/audit"
	"github.com/alexjbarnes/credproxy/internal/config"
	"github.com/alexjbarnes/credproxy/internal/credstore"
	"github.com/alexjbarnes/credproxy/internal/logging"
	"github.com/alexjbarnes/credproxy/internal/mcpserver"
	"github.com/alexjbarnes/credproxy/internal/proxy"
	"github.com/alexjbarnes/credproxy/internal/scopes"
	"github.com/alexjbarnes/credproxy/internal/server"
	"github.com/alexjbarnes/credproxy/internal/session"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("credproxy starting",
		slog.String("version", Version),
		slog.String("storage_mode", cfg.CredentialStorageMode),
	)

	auditor, err := audit.New(logger, cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditor.Close()

	mode, err := credstore.ParseMode(cfg.CredentialStorageMode)
	if err != nil {
		return err
	}

	keys, err := credstore.LoadKeyring(cfg.CredentialsDir, cfg.CredentialsPassphrase)
	if err != nil {
		return fmt.Errorf("loading encryption keyring: %w", err)
	}

	store, err := credstore.New(cfg.CredentialsDir, mode, keys, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	manager := session.NewManager(cfg.SessionSecretBytes(), cfg.SessionTimeout, auditor, logger)
	guard := session.NewGuard(manager, store, logger)

	upstream := proxy.Upstream{
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		AuthURL:      cfg.UpstreamAuthURL,
		TokenURL:     cfg.UpstreamTokenURL,
		Timeout:      cfg.UpstreamTimeout,
	}

	registry := proxy.NewRegistry(upstream, auditor, logger)
	exchanger := proxy.NewExchanger(registry, auditor, logger)

	var resolver scopes.Resolver
	if cfg.ScopeBundlesFile != "" {
		fr, err := scopes.LoadFile(cfg.ScopeBundlesFile)
		if err != nil {
			return fmt.Errorf("loading scope bundles: %w", err)
		}

		logger.Info("scope bundles loaded",
			slog.String("path", cfg.ScopeBundlesFile),
			slog.Any("bundles", fr.Bundles()),
		)

		resolver = fr
	}

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "credproxy", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, guard, manager, store)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Registry:          registry,
		Exchanger:         exchanger,
		Guard:             guard,
		Manager:           manager,
		Resolver:          resolver,
		MCPHandler:        mcpHandler,
		Logger:            logger,
		ServerURL:         cfg.ServerURL,
		Upstream:          upstream,
		SessionTTL:        cfg.SessionTimeout,
		DefaultScopeGroup: cfg.DefaultScopeGroup,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
		)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	// Background sweeps and the credential-directory watcher run until
	// shutdown; context.Canceled is the normal exit path.
	g.Go(func() error {
		return ignoreCanceled(manager.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(registry.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(store.Watch(gctx))
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}

	return err
}
