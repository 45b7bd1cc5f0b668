package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/giantswarm/agentid/internal/agent"
	"github.com/giantswarm/agentid/internal/config"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/oauth"
)

// loadConfig reads the config file and environment, then applies the
// flags the user set explicitly
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = apiURL
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if flags.Changed("no-color") {
		cfg.NoColor = noColor
	}
	if flags.Changed("level") {
		cfg.Detection.Level = level
	}
	if flags.Changed("project-dir") {
		cfg.Detection.ProjectDir = projectDir
	}
	if flags.Changed("credentials") {
		cfg.Credentials.Backend = credBackend
	}

	if cfg.Detection.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Detection.ProjectDir = wd
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(cfg.Verbose, !cfg.NoColor, jsonRPC)
}

// newRegistry returns a registry with the Go runtime collectors
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// credentialBackend builds the secret backend selected by cfg
func credentialBackend(cfg *config.Config) credentials.Backend {
	switch cfg.Credentials.Backend {
	case config.BackendFile:
		return credentials.NewFileBackend(cfg.Credentials.File, cfg.Credentials.Passphrase)
	case config.BackendMemory:
		return credentials.NewMemoryBackend()
	default:
		return credentials.NewKeyringBackend(cfg.Credentials.Service)
	}
}

// newAgentClient wires an agent client from cfg. reg may be nil.
func newAgentClient(cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer) (*agent.Client, error) {
	lvl, err := detection.ParseLevel(cfg.Detection.Level)
	if err != nil {
		return nil, err
	}

	clientCfg := agent.ClientConfig{
		APIURL:            cfg.APIURL,
		SDKVersion:        version,
		AgentName:         cfg.AgentName,
		AgentType:         cfg.AgentType,
		Logger:            logger,
		Credentials:       credentialBackend(cfg),
		CredentialService: cfg.Credentials.Service,
		Detection: detection.Options{
			Level:             lvl,
			ProjectDir:        cfg.Detection.ProjectDir,
			SkipUserConfigs:   cfg.Detection.SkipUserConfigs,
			ConfigPaths:       cfg.Detection.ConfigPaths,
			CacheTTL:          cfg.Detection.CacheTTL,
			PerformanceBudget: cfg.Detection.PerformanceBudget,
			MaxFiles:          cfg.Detection.MaxFiles,
			Deep:              cfg.DeepOptions(),
		},
		Watch:          cfg.Detection.Watch,
		ReportInterval: cfg.Reporting.Interval,
		ReportWindow:   cfg.Reporting.Window,
		Tokens:         oauth.NewFlow(cfg.OAuthConfig(), logger),
		Registerer:     reg,
	}

	client, err := agent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent client: %w", err)
	}
	return client, nil
}

// serveMetrics serves the registry on addr until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server error: %v", err)
	}
}

// withClient loads the configuration and runs fn with a short-lived client
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *agent.Client, logger *logging.Logger) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	setupSignalHandler(cancel)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	client, err := newAgentClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer client.Destroy()

	return fn(ctx, client, logger)
}
