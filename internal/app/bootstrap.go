// Package app bootstraps the process: configuration, logging, the
// repository set, and every service of the runtime container, then runs
// them as independent tasks until shutdown.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"mcpgateway/internal/audit"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/config"
	"mcpgateway/internal/federation"
	"mcpgateway/internal/gateway"
	"mcpgateway/internal/registry"
	"mcpgateway/internal/repository"
	"mcpgateway/internal/search"
	"mcpgateway/internal/security"
	"mcpgateway/internal/server"
	"mcpgateway/internal/tokens"
	"mcpgateway/pkg/logging"
)

// Options are the bootstrap inputs from the CLI.
type Options struct {
	ConfigPath string
	Debug      bool
	JSONLogs   bool
	Silent     bool
}

// Runtime is the explicit container of process-wide state. It is
// constructed once at startup and threaded into handlers and workers;
// nothing mutates it after init.
type Runtime struct {
	Config     config.Config
	Repos      *repository.Repositories
	Search     *search.Engine
	Scanner    *security.Scanner
	Registry   *registry.Service
	Resolver   *auth.Resolver
	FileScopes *auth.FileScopes
	Federation *federation.Manager
	Tokens     *tokens.Service
	Audit      audit.Store
	Server     *server.Server
}

// Application owns the runtime and its lifecycle.
type Application struct {
	runtime *Runtime
}

// NewApplication performs the two-phase init: logging and configuration
// first, then the service graph.
func NewApplication(ctx context.Context, opts Options) (*Application, error) {
	logLevel := logging.LevelInfo
	if opts.Debug {
		logLevel = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stdout
	if opts.Silent {
		logOutput = io.Discard
	}
	logging.Init(logLevel, logOutput, opts.JSONLogs)

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration")
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	runtime, err := buildRuntime(ctx, cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, err
	}

	return &Application{runtime: runtime}, nil
}

func buildRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	repos, err := repository.New(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend %q: %w", cfg.Storage.Backend, err)
	}
	logging.Info("Bootstrap", "Storage backend %q ready (namespace %s)", cfg.Storage.Backend, cfg.Namespace)

	embedder, err := search.NewEmbedder(ctx, cfg.Search)
	if err != nil {
		// Embedding init failure degrades to lexical-only rather than
		// refusing to start.
		logging.Warn("Bootstrap", "Embedding provider unavailable, starting lexical-only: %v", err)
		embedder = nil
	}
	searchEngine := search.NewEngine(repos.Search, embedder, cfg.Search)

	var scanner *security.Scanner
	if cfg.Security.ScanEnabled {
		scanner, err = security.NewScanner(cfg.Security, repos.SecurityScans, repos.Servers)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security scanner: %w", err)
		}
	}

	registryService := registry.NewService(repos, searchEngine, scanner)

	var fileScopes *auth.FileScopes
	if cfg.Auth.ScopesFile != "" {
		fileScopes, err = auth.LoadFileScopes(cfg.Auth.ScopesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load scopes file: %w", err)
		}
	}
	resolver := auth.NewResolver(repos.Scopes, fileScopes, cfg.Auth.AdminScopes)

	fedEngine := federation.NewEngine(repos, searchEngine, cfg.Federation.PeerFetchTimeout)
	fedManager := federation.NewManager(repos, fedEngine)

	auditStore, err := audit.NewStore(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	gatewayURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	tokenService := tokens.NewService(cfg.Tokens, loadCredentials(configDirOf(cfg)), repos.Servers, gatewayURL)

	proxy := gateway.NewProxy(registryService, resolver, cfg.Server.ProxyTimeout, cfg.Server.MaxConnsPerBackend)
	httpServer := server.New(
		cfg.Server,
		registryService,
		searchEngine,
		resolver,
		auth.NewIngressVerifier(),
		fedManager,
		federation.NewExportAuthenticator(cfg.Auth),
		proxy,
		auditStore,
	)

	return &Runtime{
		Config:     cfg,
		Repos:      repos,
		Search:     searchEngine,
		Scanner:    scanner,
		Registry:   registryService,
		Resolver:   resolver,
		FileScopes: fileScopes,
		Federation: fedManager,
		Tokens:     tokenService,
		Audit:      auditStore,
		Server:     httpServer,
	}, nil
}

// Run starts the HTTP server and the background workers as independent
// tasks and blocks until ctx is cancelled or a task fails fatally.
func (a *Application) Run(ctx context.Context) error {
	rt := a.runtime
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Server.Start(gctx)
	})
	g.Go(func() error {
		return rt.Federation.Run(gctx)
	})
	g.Go(func() error {
		rt.Tokens.Run(gctx)
		return nil
	})
	if rt.Scanner != nil {
		g.Go(func() error {
			rt.Scanner.Run(gctx)
			return nil
		})
	}

	err := g.Wait()

	if rt.FileScopes != nil {
		rt.FileScopes.Close()
	}
	rt.Audit.Close()
	if err != nil && ctx.Err() != nil {
		// Shutdown was requested; task errors on the way down are noise.
		return nil
	}
	return err
}
