package detection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/tidwall/jsonc"
)

// ProjectConfigFiles are MCP client config files looked up relative to the
// project directory
var ProjectConfigFiles = []string{
	".mcp.json",
	"mcp.json",
	filepath.Join(".cursor", "mcp.json"),
	filepath.Join(".vscode", "mcp.json"),
}

// UserConfigFiles returns the per-user MCP client config files for the
// current OS, rooted at home
func UserConfigFiles(home string) []string {
	files := []string{
		filepath.Join(home, ".cursor", "mcp.json"),
		filepath.Join(home, ".claude.json"),
		filepath.Join(home, ".codeium", "windsurf", "mcp_config.json"),
	}
	switch runtime.GOOS {
	case "darwin":
		files = append(files, filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"))
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		files = append(files, filepath.Join(appData, "Claude", "claude_desktop_config.json"))
	default:
		files = append(files, filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"))
	}
	return files
}

type mcpServerEntry struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Type      string            `json:"type"`
	Transport string            `json:"transport"`
	URL       string            `json:"url"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
	// VS Code names the block "servers"
	Servers map[string]mcpServerEntry `json:"servers"`
	// ~/.claude.json nests per-project servers
	Projects map[string]struct {
		MCPServers map[string]mcpServerEntry `json:"mcpServers"`
	} `json:"projects"`
}

// parseMCPConfig parses a JSONC MCP config and returns its servers in name
// order. Servers scoped to projectDir in a per-project section follow the
// global ones.
func parseMCPConfig(data []byte, path, projectDir string) ([]MCPCapability, error) {
	var cfg mcpConfigFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid MCP config: %w", err)
	}

	var found []MCPCapability
	appendServers := func(servers map[string]mcpServerEntry) {
		names := make([]string, 0, len(servers))
		for name := range servers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			found = append(found, configCapability(name, servers[name], path))
		}
	}
	appendServers(cfg.MCPServers)
	appendServers(cfg.Servers)
	if projectDir != "" {
		if abs, err := filepath.Abs(projectDir); err == nil {
			if p, ok := cfg.Projects[abs]; ok {
				appendServers(p.MCPServers)
			}
		}
	}
	return found, nil
}

func configCapability(name string, e mcpServerEntry, path string) MCPCapability {
	typ := e.Type
	if typ == "" {
		typ = e.Transport
	}
	if typ == "" {
		if e.URL != "" {
			typ = TypeHTTP
		} else {
			typ = TypeStdio
		}
	}
	args := append([]string{}, e.Args...)

	texts := append([]string{name, e.Command}, args...)
	if e.URL != "" {
		texts = append(texts, e.URL)
	}

	var env map[string]string
	if len(e.Env) > 0 {
		// Only variable names are kept; values are commonly secrets.
		env = make(map[string]string, len(e.Env))
		for k := range e.Env {
			env[k] = ""
		}
	}

	return MCPCapability{
		Name:         name,
		Type:         typ,
		Command:      e.Command,
		Args:         args,
		Env:          env,
		DetectedFrom: MethodConfig,
		Capabilities: InferCapabilities(texts...),
		Source:       path,
	}
}

// scanConfigs reads every existing config file in order. Missing files are
// skipped silently; malformed ones are reported and skipped.
func scanConfigs(paths []string, projectDir string) ([]MCPCapability, []*SourceError) {
	var (
		found []MCPCapability
		errs  []*SourceError
	)
	seen := map[string]bool{}
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true

		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = append(errs, &SourceError{Source: "config", Path: path, Err: err})
			continue
		}
		mcps, err := parseMCPConfig(data, path, projectDir)
		if err != nil {
			errs = append(errs, &SourceError{Source: "config", Path: path, Err: err})
			continue
		}
		found = append(found, mcps...)
	}
	return found, errs
}
