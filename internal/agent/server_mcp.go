package agent

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/agentid/internal/logging"
)

// MCPServer exposes the agent identity and detection state via MCP
type MCPServer struct {
	client          *Client
	logger          *logging.Logger
	mcpServer       *server.MCPServer
	serverTransport string
}

// NewMCPServer creates a new MCP server backed by client
func NewMCPServer(client *Client, serverTransport, version string, logger *logging.Logger) (*MCPServer, error) {
	switch serverTransport {
	case transportStdio, transportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported server transport: %s", serverTransport)
	}

	mcpServer := server.NewMCPServer(
		"agentid",
		version,
		server.WithToolCapabilities(false),
	)

	ms := &MCPServer{
		client:          client,
		logger:          logger,
		mcpServer:       mcpServer,
		serverTransport: serverTransport,
	}

	ms.registerTools()

	return ms, nil
}

// Start serves MCP over stdio or streamable-http. It blocks until the
// transport stops.
func (m *MCPServer) Start(ctx context.Context, listenAddr string) error {
	switch m.serverTransport {
	case transportStdio:
		return server.ServeStdio(m.mcpServer)
	case transportStreamableHTTP:
		httpServer := server.NewStreamableHTTPServer(
			m.mcpServer,
			server.WithEndpointPath("/mcp"),
		)
		errChan := make(chan error, 1)
		go func() { errChan <- httpServer.Start(listenAddr) }()
		m.logger.Info("MCP server listening on %s/mcp", listenAddr)

		select {
		case err := <-errChan:
			return err
		case <-ctx.Done():
			return httpServer.Shutdown(context.WithoutCancel(ctx))
		}
	default:
		return fmt.Errorf("unsupported server transport: %s", m.serverTransport)
	}
}

// registerTools registers all MCP tools
func (m *MCPServer) registerTools() {
	detectTool := mcp.NewTool(toolDetect,
		mcp.WithDescription("List the MCP servers this agent uses, with detection method and capabilities"),
		mcp.WithBoolean("refresh",
			mcp.Description("Drop the cached result and scan again"),
		),
	)
	m.mcpServer.AddTool(detectTool, m.handleDetect)

	statusTool := mcp.NewTool(toolStatus,
		mcp.WithDescription("Show the agent identity and detection state"),
	)
	m.mcpServer.AddTool(statusTool, m.handleStatus)

	reportTool := mcp.NewTool(toolReport,
		mcp.WithDescription("Detect and report MCP usage to the backend now, subject to the per-MCP rate limit"),
	)
	m.mcpServer.AddTool(reportTool, m.handleReport)

	declareTool := mcp.NewTool(toolDeclare,
		mcp.WithDescription("Declare the MCP servers this agent uses to the backend"),
		mcp.WithString("names",
			mcp.Description("Comma-separated MCP server names; detected servers are declared when empty"),
		),
	)
	m.mcpServer.AddTool(declareTool, m.handleDeclare)

	verifyTool := mcp.NewTool(toolVerify,
		mcp.WithDescription("Sign an action with the agent key and ask the backend whether it is allowed"),
		mcp.WithString("action_type",
			mcp.Required(),
			mcp.Description("Kind of action, e.g. read_file"),
		),
		mcp.WithString("resource",
			mcp.Required(),
			mcp.Description("Resource the action targets"),
		),
		mcp.WithObject("context",
			mcp.Description("Additional signed context (as JSON object)"),
		),
	)
	m.mcpServer.AddTool(verifyTool, m.handleVerify)

	invalidateTool := mcp.NewTool(toolInvalidate,
		mcp.WithDescription("Drop the cached detection result"),
	)
	m.mcpServer.AddTool(invalidateTool, m.handleInvalidate)
}
