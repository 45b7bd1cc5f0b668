package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/agentid/internal/agent"
	"github.com/giantswarm/agentid/internal/logging"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

var (
	version         string
	configPath      string
	apiURL          string
	verbose         bool
	noColor         bool
	jsonRPC         bool
	level           string
	projectDir      string
	credBackend     string
	repl            bool
	mcpServer       bool
	serverTransport string
	listenAddr      string
	metricsAddr     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentid",
	Short: "Agent identity and MCP detection",
	Long: `agentid gives an AI agent a cryptographic identity and reports which
MCP (Model Context Protocol) servers it uses.

The agent registers once with the identity backend, keeping its Ed25519
key and API key in the OS secret store. It then detects MCP servers from
project manifests, source imports, MCP client configs and runtime probes,
and reports them periodically, at most once a minute per server.

The tool supports multiple modes:
- Normal mode (default): Run the detect-and-report loop until interrupted
- REPL mode (--repl): Interactive inspection while the loop runs
- MCP Server mode (--mcp-server): Expose detection and verification as MCP tools

Subcommands perform one-shot operations: register, detect, status, verify,
clear and self-update.

Configuration is read from ~/.config/agentid/config.yaml (or --config),
then from AGENTID_* environment variables, then from flags.`,
	RunE: runAgent,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.config/agentid/config.yaml)")
	pf.StringVar(&apiURL, "api-url", "", "Identity backend URL")
	pf.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&jsonRPC, "json-rpc", false, "Log full backend request and response bodies")
	pf.StringVar(&level, "level", "", "Detection level (minimal, standard, deep)")
	pf.StringVar(&projectDir, "project-dir", "", "Project directory to scan (default: current directory)")
	pf.StringVar(&credBackend, "credentials", "", "Credential backend (keyring, file, memory)")

	rootCmd.Flags().BoolVar(&repl, "repl", false, "Start interactive REPL mode")
	rootCmd.Flags().BoolVar(&mcpServer, "mcp-server", false, "Run as MCP server")
	rootCmd.Flags().StringVar(&serverTransport, "server-transport", transportStdio, "Transport protocol for the MCP server itself (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for streamable-http server (path is fixed to /mcp)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newDetectCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())

	rootCmd.MarkFlagsMutuallyExclusive("repl", "mcp-server")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !mcpServer || serverTransport != transportStdio {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down gracefully...")
		}
		cancel()
	}()
}

// runMCPServer runs the agent in MCP server mode
func runMCPServer(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
	server, err := agent.NewMCPServer(client, serverTransport, version, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	logger.Info("Starting agentid MCP server (transport: %s)...", serverTransport)
	if err := server.Start(ctx, listenAddr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// runNormalMode logs loop results until ctx is done
func runNormalMode(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-client.Updates():
			if u.Outcome.Err != nil {
				logger.Warning("Detection report failed: %v", u.Outcome.Err)
				continue
			}
			if len(u.Outcome.Sent) > 0 {
				logger.InfoVerbose("Reported %d MCP server(s)", len(u.Outcome.Sent))
			}
		}
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	// stdout belongs to the protocol in stdio server mode
	stdioServer := mcpServer && serverTransport == transportStdio

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	logger := newLogger(cfg)
	if stdioServer {
		logger.SetWriter(os.Stderr)
	}

	reg := newRegistry()
	client, err := newAgentClient(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer client.Destroy()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	if cfg.Reporting.Enabled {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}
	} else {
		logger.InfoVerbose("Reporting disabled; detection runs on demand only")
	}

	if mcpServer {
		return runMCPServer(ctx, client, logger)
	}

	if repl {
		replHandler := agent.NewREPL(client, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	if !cfg.Reporting.Enabled {
		return fmt.Errorf("reporting is disabled; use --repl, --mcp-server or a subcommand")
	}
	return runNormalMode(ctx, client, logger)
}
