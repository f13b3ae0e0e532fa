package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/bdobrica/agentgate/common/crypto"
	"github.com/bdobrica/agentgate/common/environment"
	"github.com/bdobrica/agentgate/common/trace"
	"github.com/bdobrica/agentgate/common/version"
	"github.com/bdobrica/agentgate/internal/audit"
	"github.com/bdobrica/agentgate/internal/broker"
	"github.com/bdobrica/agentgate/internal/broker/sandbox"
	"github.com/bdobrica/agentgate/internal/cc"
	"github.com/bdobrica/agentgate/internal/httpapi"
	"github.com/bdobrica/agentgate/internal/policy"
	"github.com/bdobrica/agentgate/internal/registry"
	"github.com/bdobrica/agentgate/internal/wireproxy"
)

func main() {
	fmt.Printf("Governed Agent Gateway\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	bootID := trace.GenerateID()
	ctx := trace.WithTraceID(context.Background(), bootID)
	slog.Info("gatewayd: booting", "gatewayId", config.GatewayID, "trace", bootID)

	if err := run(ctx, config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// config holds everything loadConfig reads from the environment (§6
// "Environment inputs": upstream URL, upstream auth token, CC public-key
// location, expected issuer, ledger path, agent-registry path, requireCC).
type config struct {
	GatewayID string
	ListenAddr string

	UpstreamURL   string
	UpstreamToken string
	RequireCC     bool

	CCDevMode        bool
	CCKeystorePath   string
	CCExpectedIssuer string

	LedgerPath   string
	RegistryPath string
	PolicyPath   string

	ToolServerName    string
	ToolServerCommand string
	ToolServerArgs    []string
	ToolServerEnv     []string
	ToolServerRuntime string
	ToolServerImage   string
	CallTimeout       time.Duration
	ApprovalTTL       time.Duration
	SessionRPS        float64
	SessionBurst      int

	AgentRuntimeURL string
}

func loadConfig() (*config, error) {
	gatewayID, err := environment.RequiredString("GATEWAY_ID")
	if err != nil {
		return nil, err
	}
	upstreamURL, err := environment.RequiredString("UPSTREAM_URL")
	if err != nil {
		return nil, err
	}
	upstreamToken, err := environment.RequiredString("UPSTREAM_TOKEN")
	if err != nil {
		return nil, err
	}

	return &config{
		GatewayID:  gatewayID,
		ListenAddr: environment.StringOr("LISTEN_ADDR", ":8080"),

		UpstreamURL:   upstreamURL,
		UpstreamToken: upstreamToken,
		RequireCC:     environment.BoolOr("REQUIRE_CC", false),

		CCDevMode:        environment.BoolOr("CC_DEV_MODE", false),
		CCKeystorePath:   environment.StringOr("CC_KEYSTORE_PATH", "./cc.keystore"),
		CCExpectedIssuer: environment.StringOr("CC_EXPECTED_ISSUER", ""),

		LedgerPath:   environment.StringOr("LEDGER_PATH", ""),
		RegistryPath: environment.StringOr("REGISTRY_PATH", ""),
		PolicyPath:   environment.StringOr("POLICY_PATH", "./policy.yaml"),

		ToolServerName:    environment.StringOr("TOOL_SERVER_NAME", "default"),
		ToolServerCommand: environment.StringOr("TOOL_SERVER_COMMAND", ""),
		ToolServerArgs:    environment.StringSliceOr("TOOL_SERVER_ARGS", nil),
		ToolServerEnv:     environment.StringSliceOr("TOOL_SERVER_ENV", nil),
		ToolServerRuntime: environment.StringOr("TOOL_SERVER_RUNTIME", "host"),
		ToolServerImage:   environment.StringOr("TOOL_SERVER_IMAGE", ""),
		CallTimeout:       environment.DurationOr("TOOL_CALL_TIMEOUT", 30*time.Second),
		ApprovalTTL:       environment.DurationOr("APPROVAL_TTL", broker.DefaultApprovalTTL),
		SessionRPS:        float64(environment.IntOr("SESSION_RPS", 0)),
		SessionBurst:      environment.IntOr("SESSION_BURST", 0),

		AgentRuntimeURL: environment.StringOr("AGENT_RUNTIME_URL", ""),
	}, nil
}

func run(ctx context.Context, cfg *config) error {
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("gatewayd: cc verifier: %w", err)
	}

	auditStore, err := buildAuditStore(cfg)
	if err != nil {
		return fmt.Errorf("gatewayd: audit store: %w", err)
	}
	chain, err := audit.NewChain(ctx, auditStore, cfg.GatewayID)
	if err != nil {
		return fmt.Errorf("gatewayd: audit chain: %w", err)
	}

	policyLoader := policy.NewLoader()
	if err := policyLoader.LoadFile(cfg.PolicyPath); err != nil {
		return fmt.Errorf("gatewayd: policy: %w", err)
	}
	policyEngine := policy.NewEngine(policyLoader)

	regStore, err := buildRegistryStore(cfg)
	if err != nil {
		return fmt.Errorf("gatewayd: registry store: %w", err)
	}
	reg := registry.New(regStore, chain)

	var spawner *registry.Spawner
	if cfg.AgentRuntimeURL != "" {
		spawner = registry.NewSpawner(cfg.AgentRuntimeURL, reg, chain)
	}

	pool := broker.NewGatewayPool()
	if cfg.ToolServerCommand != "" {
		command, args, cleanup, err := resolveToolServerCommand(ctx, cfg)
		if err != nil {
			return fmt.Errorf("gatewayd: resolve tool-server command: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}

		b, err := broker.New(ctx, broker.Config{
			GatewayID:    cfg.GatewayID,
			Name:         cfg.ToolServerName,
			Command:      command,
			Args:         args,
			Env:          cfg.ToolServerEnv,
			CallTimeout:  cfg.CallTimeout,
			ApprovalTTL:  cfg.ApprovalTTL,
			SessionRPS:   cfg.SessionRPS,
			SessionBurst: cfg.SessionBurst,
		}, policyEngine, chain)
		if err != nil {
			return fmt.Errorf("gatewayd: start tool-server broker: %w", err)
		}
		pool.Register(cfg.GatewayID, b)
		defer pool.Deregister(cfg.GatewayID)
	}

	proxy := &wireproxy.Proxy{
		UpstreamURL:   cfg.UpstreamURL,
		UpstreamToken: cfg.UpstreamToken,
		RequireCC:     cfg.RequireCC,
		Verifier:      verifier,
		Chain:         chain,
		GatewayID:     cfg.GatewayID,
	}

	apiServer := httpapi.New(cfg.ListenAddr, httpapi.Handlers{
		Chain:    chain,
		Registry: reg,
		Spawner:  spawner,
		Pool:     pool,
	})

	r := chi.NewRouter()
	r.Mount("/", apiServer.Handler())
	r.Handle("/v1/wire", proxy)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gatewayd: listening", "addr", cfg.ListenAddr, "gatewayId", cfg.GatewayID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gatewayd: server error: %w", err)
	case sig := <-sigCh:
		slog.Info("gatewayd: shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildVerifier loads the gateway's trusted CC key from its encrypted
// keystore. DevMode is only honored when CC_DEV_MODE is explicitly set;
// otherwise a missing or unreadable keystore is fatal at boot (§9 open
// question: CC signing key missing → refuse to start, never fall back to
// dev-mode verification silently).
func buildVerifier(cfg *config) (*cc.Verifier, error) {
	if cfg.CCDevMode {
		slog.Warn("gatewayd: CC dev mode enabled, signatures are not checked")
		return cc.NewDevVerifier(), nil
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	kp, err := cc.LoadKeyPair(cfg.CCKeystorePath, masterKey)
	if err != nil {
		return nil, fmt.Errorf("load cc keystore %s: %w", cfg.CCKeystorePath, err)
	}
	keys := map[string]ed25519.PublicKey{kp.KeyID: kp.Public}
	return cc.NewVerifier(keys, kp.KeyID, cfg.CCExpectedIssuer)
}

// resolveToolServerCommand returns the argv the broker should exec for its
// tool-server child. For TOOL_SERVER_RUNTIME=container it spawns a sandboxed
// container via the Docker Engine API and rewrites the argv to
// "docker exec -i <container> <command> <args...>", so the broker's stdio
// JSON-RPC bridge runs unmodified against a process inside the sandbox
// instead of directly on the host. The returned cleanup tears the container
// down on gateway shutdown; it is nil for the host runtime.
func resolveToolServerCommand(ctx context.Context, cfg *config) (command string, args []string, cleanup func(), err error) {
	if cfg.ToolServerRuntime != "container" {
		return cfg.ToolServerCommand, cfg.ToolServerArgs, nil, nil
	}

	adapter, err := sandbox.New()
	if err != nil {
		return "", nil, nil, err
	}
	if err := adapter.EnsureNetwork(ctx); err != nil {
		return "", nil, nil, err
	}

	env := make(map[string]string, len(cfg.ToolServerEnv))
	for _, kv := range cfg.ToolServerEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	handle, err := adapter.Spawn(ctx, sandbox.Spec{Name: cfg.ToolServerName, Image: cfg.ToolServerImage, Env: env})
	if err != nil {
		return "", nil, nil, err
	}

	command, args = sandbox.ExecCommand(handle, cfg.ToolServerCommand, cfg.ToolServerArgs)
	cleanup = func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := adapter.Remove(removeCtx, handle); err != nil {
			slog.Warn("gatewayd: failed to remove sandbox container", "container", handle.ContainerName, "err", err)
		}
	}
	return command, args, cleanup, nil
}

func buildAuditStore(cfg *config) (audit.Store, error) {
	if cfg.LedgerPath == "" {
		slog.Warn("gatewayd: LEDGER_PATH unset, using in-memory ledger (not durable)")
		return audit.NewMemStore(), nil
	}
	return audit.NewSQLStore(cfg.LedgerPath)
}

func buildRegistryStore(cfg *config) (registry.Store, error) {
	if cfg.RegistryPath == "" {
		slog.Warn("gatewayd: REGISTRY_PATH unset, using in-memory agent registry (not durable)")
		return registry.NewMemStore(), nil
	}
	return registry.NewSQLStore(cfg.RegistryPath)
}
