package detection

import (
	"strings"
	"time"
)

// confidence is the default confidence per detection method
var confidence = map[Method]int{
	MethodConfig:         100,
	MethodRuntimeProcess: 95,
	MethodManifest:       90,
	MethodRuntimeModule:  90,
	MethodAST:            90,
	MethodImport:         85,
	MethodTraffic:        80,
	MethodRuntimeNetwork: 70,
	MethodDependencyTree: 60,
}

// Confidence returns the confidence score for a detection method
func Confidence(m Method) int {
	if c, ok := confidence[m]; ok {
		return c
	}
	return 50
}

// DetectionEvent is one observation of MCP usage as sent to the backend.
// Build it with NewDetectionEvent; fields are not modified afterwards.
type DetectionEvent struct {
	MCPServer       string            `json:"mcp_server"`
	DetectionMethod Method            `json:"detection_method"`
	Confidence      int               `json:"confidence"`
	Details         map[string]string `json:"details,omitempty"`
	SDKVersion      string            `json:"sdk_version"`
	Timestamp       time.Time         `json:"timestamp"`
}

// NewDetectionEvent builds an event, clamping confidence to 0..100 and
// copying details
func NewDetectionEvent(server string, method Method, conf int, details map[string]string, sdkVersion string, ts time.Time) DetectionEvent {
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}
	var d map[string]string
	if len(details) > 0 {
		d = make(map[string]string, len(details))
		for k, v := range details {
			d[k] = v
		}
	}
	return DetectionEvent{
		MCPServer:       server,
		DetectionMethod: method,
		Confidence:      conf,
		Details:         d,
		SDKVersion:      sdkVersion,
		Timestamp:       ts.UTC(),
	}
}

// ToEvents converts a detection result into one event per MCP
func ToEvents(r Result, sdkVersion string, now time.Time) []DetectionEvent {
	events := make([]DetectionEvent, 0, len(r.MCPs))
	for _, m := range r.MCPs {
		details := map[string]string{"type": m.Type}
		if m.Source != "" {
			details["source"] = m.Source
		}
		if m.Command != "" {
			details["command"] = m.Command
		}
		if len(m.Capabilities) > 0 {
			details["capabilities"] = strings.Join(m.Capabilities, ",")
		}
		events = append(events, NewDetectionEvent(m.Name, m.DetectedFrom, Confidence(m.DetectedFrom), details, sdkVersion, now))
	}
	return events
}
