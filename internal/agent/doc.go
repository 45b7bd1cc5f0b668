// Package agent is the composition root of the agent identity SDK.
//
// A Client owns one credential store, one detection engine, one reporter and
// one registration flow, and runs the periodic detect-and-report loop.
//
// # Key Components
//
//   - Client: registration, detection, reporting and action verification
//   - REPL: interactive inspection of the agent's identity and detections
//   - MCPServer: exposes detection, status and verification as MCP tools
//
// Once Destroy returns, a Client makes no further network calls.
package agent
