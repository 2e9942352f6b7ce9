package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mcpforge/internal/backend"
	"mcpforge/internal/deployment"
	"mcpforge/internal/gateway"
	"mcpforge/internal/template"
	"mcpforge/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	serveTemplatesDir string
	serveBackendKind  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway runtime",
	Long: `Loads templates from disk, brings up the configured backend, and
starts the gateway's registry, health checker and HTTP router.

Deployments themselves are created via the deployment manager's API;
this command starts the long-running gateway process that fronts
whatever is already deployed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTemplatesDir, "templates-dir", "./templates", "directory tree of template descriptors")
	serveCmd.Flags().StringVar(&serveBackendKind, "backend", "mock", "default backend: docker|k8s|mock")
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Init(logging.ParseLevel(getenv("MCP_LOG_LEVEL", "info")), os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := template.NewRegistry(serveTemplatesDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	logging.Info("main", "loaded %d templates from %s", len(registry.List()), serveTemplatesDir)

	backends, err := buildBackends(ctx)
	if err != nil {
		return err
	}

	deployMgr, err := deployment.NewManager(registry, backends, serveBackendKind)
	if err != nil {
		return fmt.Errorf("failed to construct deployment manager: %w", err)
	}

	store, err := buildRegistryStore(ctx)
	if err != nil {
		return err
	}

	gwRegistry, err := gateway.NewRegistry(store)
	if err != nil {
		return fmt.Errorf("failed to load gateway registry: %w", err)
	}
	deployMgr.SetHealthLookup(gwRegistry)

	healthCfg := gateway.DefaultHealthCheckerConfig()
	balancer := gateway.NewBalancer(gwRegistry, healthCfg)

	checker := gateway.NewHealthChecker(gwRegistry, healthCfg)
	checker.Start(ctx)
	defer checker.Stop(5 * time.Second)

	routerCfg := buildRouterConfig()
	router := gateway.NewRouter(gwRegistry, balancer, routerCfg)

	_, dockerAvailable := backends["docker"]
	toolMgr := buildToolManager(registry, gwRegistry, dockerAvailable)
	router.SetToolDiscovery(toolMgr)

	// Reload templates when descriptors change on disk, and drop any tool
	// sets cached for the previous revisions.
	if err := registry.Watch(ctx, func() {
		for _, desc := range registry.List() {
			toolMgr.Invalidate(desc.ID)
		}
	}); err != nil {
		logging.Warn("main", "template watcher unavailable, refresh is manual only: %v", err)
	}

	addr := fmt.Sprintf("%s:%s", getenv("GATEWAY_HOST", "0.0.0.0"), getenv("GATEWAY_PORT", "8080"))
	logging.Info("main", "gateway listening on %s (auth=%s, backend=%s)", addr, routerCfg.AuthMode, serveBackendKind)

	errCh := make(chan error, 1)
	go func() { errCh <- router.Engine().Run(addr) }()

	select {
	case <-ctx.Done():
		logging.Info("main", "shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func buildBackends(ctx context.Context) (map[string]backend.Backend, error) {
	backends := map[string]backend.Backend{
		"mock": backend.NewMockBackend(),
	}

	if eng, err := backend.NewDockerEngine(ctx); err == nil {
		backends["docker"] = eng
	} else {
		logging.Warn("main", "docker backend unavailable: %v", err)
	}

	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		ns := getenv("MCP_K8S_NAMESPACE", "default")
		if orch, err := backend.NewK8sOrchestrator(kubeconfig, ns); err == nil {
			backends["k8s"] = orch
		} else {
			logging.Warn("main", "k8s orchestrator backend unavailable: %v", err)
		}
	}

	if _, ok := backends[serveBackendKind]; !ok {
		logging.Warn("main", "requested default backend %q unavailable, falling back to mock", serveBackendKind)
		serveBackendKind = "mock"
	}

	return backends, nil
}

func buildRegistryStore(ctx context.Context) (gateway.RegistryStore, error) {
	if dsn := os.Getenv("GATEWAY_DATABASE_URL"); dsn != "" {
		store, err := gateway.NewPostgresStoreFromURL(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect gateway postgres store: %w", err)
		}
		logging.Info("main", "gateway registry persisted to postgres")
		return store, nil
	}

	path := getenv("GATEWAY_REGISTRY_FILE", "./gateway-registry.json")
	store, err := gateway.NewFileStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway registry file %s: %w", path, err)
	}
	logging.Info("main", "gateway registry persisted to %s", path)
	return store, nil
}

func buildRouterConfig() gateway.RouterConfig {
	cfg := gateway.DefaultRouterConfig()

	switch strings.ToLower(getenv("GATEWAY_AUTH_MODE", "open")) {
	case "bearer":
		cfg.AuthMode = gateway.AuthBearer
	case "api_key":
		cfg.AuthMode = gateway.AuthAPIKey
	default:
		cfg.AuthMode = gateway.AuthOpen
	}
	cfg.Credentials = loadCredentials(os.Getenv("GATEWAY_CREDENTIALS")) // "token1=principal1,token2=principal2"

	if workers := os.Getenv("GATEWAY_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	return cfg
}

func loadCredentials(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
