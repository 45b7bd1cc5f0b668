package detection

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// Manifest file names scanned in the project directory
const (
	PackageJSON     = "package.json"
	GoMod           = "go.mod"
	RequirementsTxt = "requirements.txt"
)

// manifestParsers is in scan order
var manifestParsers = []struct {
	file  string
	parse func(data []byte, path string) ([]string, error)
}{
	{PackageJSON, parsePackageJSON},
	{GoMod, parseGoMod},
	{RequirementsTxt, parseRequirements},
}

// parsePackageJSON returns dependencies followed by devDependencies, each
// sorted by name
func parsePackageJSON(data []byte, _ string) ([]string, error) {
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	names := sortedKeys(manifest.Dependencies)
	return append(names, sortedKeys(manifest.DevDependencies)...), nil
}

func parseGoMod(data []byte, path string) ([]string, error) {
	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Require))
	for _, req := range f.Require {
		names = append(names, req.Mod.Path)
	}
	return names, nil
}

// parseRequirements reads pip requirement specifiers. Options, includes,
// URLs and local paths are ignored.
func parseRequirements(data []byte, _ string) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") || strings.Contains(line, "://") ||
			strings.HasPrefix(line, ".") || strings.HasPrefix(line, "/") {
			continue
		}
		if i := strings.IndexAny(line, ";[ \t"); i >= 0 {
			line = line[:i]
		}
		name := normalizePythonName(normalizePackage(line))
		if name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// normalizePythonName applies PEP 503 normalization
func normalizePythonName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer("_", "-", ".", "-").Replace(name)
	return name
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scanManifests reads the project manifests. A missing manifest is skipped
// silently; an unreadable or malformed one is reported as a SourceError.
func scanManifests(projectDir string) ([]MCPCapability, []*SourceError) {
	var (
		found []MCPCapability
		errs  []*SourceError
	)
	for _, p := range manifestParsers {
		path := filepath.Join(projectDir, p.file)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = append(errs, &SourceError{Source: "manifest", Path: path, Err: err})
			continue
		}
		names, err := p.parse(data, path)
		if err != nil {
			errs = append(errs, &SourceError{Source: "manifest", Path: path, Err: err})
			continue
		}
		for _, name := range names {
			if !MatchPackage(name) {
				continue
			}
			n := PackageName(name)
			found = append(found, MCPCapability{
				Name:         n,
				Type:         TypePackage,
				Args:         []string{},
				DetectedFrom: MethodManifest,
				Capabilities: InferCapabilities(n),
				Source:       path,
			})
		}
	}
	return found, errs
}
