package agent

import "time"

// DefaultReportInterval is how often the agent loop detects and reports
const DefaultReportInterval = 5 * time.Minute

// updateBuffer bounds undelivered loop updates; older ones are dropped
const updateBuffer = 16

// MCP tool names exposed in server mode
const (
	toolDetect     = "detect_mcps"
	toolStatus     = "agent_status"
	toolReport     = "report_detections"
	toolVerify     = "verify_action"
	toolDeclare    = "declare_mcp_servers"
	toolInvalidate = "invalidate_cache"
)

// REPL settings
const (
	replPrompt      = "agentid> "
	replHistoryFile = ".agentid_history"
)

// MCP server transports
const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)
