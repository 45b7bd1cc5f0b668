// Package detection discovers the MCP servers an agent uses. Detection runs
// in up to three tiers of increasing cost: static project scanning, runtime
// probes and opt-in deep inspection. Results are merged by name, cached for
// a TTL and annotated with performance estimates.
package detection

import (
	"fmt"
	"strings"
)

// Level selects which tiers run
type Level string

// Detection levels
const (
	LevelMinimal  Level = "minimal"
	LevelStandard Level = "standard"
	LevelDeep     Level = "deep"
)

// ParseLevel parses a detection level, accepting any case. An empty string
// yields LevelStandard.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return LevelStandard, nil
	case LevelMinimal:
		return LevelMinimal, nil
	case LevelStandard:
		return LevelStandard, nil
	case LevelDeep:
		return LevelDeep, nil
	}
	return "", fmt.Errorf("invalid detection level %q: must be one of minimal, standard, deep", s)
}

func (l Level) runtime() bool { return l == LevelStandard || l == LevelDeep }

// Method names how an MCP was detected. The values are sent to the backend.
type Method string

// Detection methods
const (
	MethodManifest       Method = "manifest"
	MethodImport         Method = "import"
	MethodConfig         Method = "config"
	MethodRuntimeModule  Method = "runtime_module"
	MethodRuntimeProcess Method = "runtime_process"
	MethodRuntimeNetwork Method = "runtime_network"
	MethodAST            Method = "ast"
	MethodDependencyTree Method = "dependency_tree"
	MethodTraffic        Method = "network_traffic"
)

// Transport types reported for an MCP
const (
	TypePackage = "package"
	TypeStdio   = "stdio"
	TypeHTTP    = "http"
	TypeSSE     = "sse"
)

// MCPCapability is one detected MCP server
type MCPCapability struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env,omitempty"`
	DetectedFrom Method            `json:"detected_from"`
	Capabilities []string          `json:"capabilities"`
	// Source is the file, host or probe the detection came from
	Source string `json:"source,omitempty"`
}

func (m MCPCapability) clone() MCPCapability {
	c := m
	c.Args = append([]string{}, m.Args...)
	c.Capabilities = append([]string{}, m.Capabilities...)
	if m.Env != nil {
		c.Env = make(map[string]string, len(m.Env))
		for k, v := range m.Env {
			c.Env[k] = v
		}
	}
	return c
}

func cloneAll(mcps []MCPCapability) []MCPCapability {
	out := make([]MCPCapability, len(mcps))
	for i, m := range mcps {
		out[i] = m.clone()
	}
	return out
}

// PerformanceMetrics describes one Detect call. Tier3TimeMs is nil when no
// deep feature ran.
type PerformanceMetrics struct {
	DetectionTimeMs    float64  `json:"detection_time_ms"`
	Tier1TimeMs        float64  `json:"tier1_time_ms"`
	Tier2TimeMs        float64  `json:"tier2_time_ms"`
	Tier3TimeMs        *float64 `json:"tier3_time_ms,omitempty"`
	CPUOverheadPercent float64  `json:"cpu_overhead_percent"`
	MemoryUsageMB      float64  `json:"memory_usage_mb"`
	CacheHitRate       float64  `json:"cache_hit_rate"`
	MCPsDetected       int      `json:"mcps_detected"`
}

// Result is the outcome of one Detect call
type Result struct {
	MCPs    []MCPCapability    `json:"mcps"`
	Metrics PerformanceMetrics `json:"metrics"`
	// SourceErrors lists the sources skipped during a fresh scan. Empty on
	// cache hits.
	SourceErrors []*SourceError `json:"-"`
}

// Names returns the detected MCP names in result order
func (r Result) Names() []string {
	names := make([]string, len(r.MCPs))
	for i, m := range r.MCPs {
		names[i] = m.Name
	}
	return names
}

// SourceError reports a single detection source that could not be read or
// parsed. The source is skipped and detection continues.
type SourceError struct {
	Source string
	Path   string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("detection source %s (%s): %v", e.Source, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
