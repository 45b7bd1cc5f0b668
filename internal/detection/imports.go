package detection

import (
	"context"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Default source walk limits
const (
	DefaultMaxFiles    = 2000
	DefaultMaxFileSize = 512 * 1024
)

var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
	"venv":         true,
	"target":       true,
}

var (
	jsRequire = regexp.MustCompile(`(?:require|import)\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	jsImport  = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:[^'";]*?\s+from\s+)?['"]([^'"]+)['"]`)
	pyImport  = regexp.MustCompile(`(?m)^\s*import\s+([A-Za-z_][\w.]*(?:\s*,\s*[A-Za-z_][\w.]*)*)`)
	pyFrom    = regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
)

type sourceKind int

const (
	sourceOther sourceKind = iota
	sourceGo
	sourceJS
	sourcePython
)

func classify(name string) sourceKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".go":
		if strings.HasSuffix(name, "_test.go") {
			return sourceOther
		}
		return sourceGo
	case ".js", ".mjs", ".cjs", ".ts", ".mts", ".cts", ".tsx", ".jsx":
		return sourceJS
	case ".py":
		return sourcePython
	}
	return sourceOther
}

// walkLimits bounds a source walk
type walkLimits struct {
	maxFiles    int
	maxFileSize int64
}

// walkSources calls fn for every source file under root, skipping
// dependency, build and hidden directories. The walk stops after maxFiles
// source files or when ctx is cancelled.
func walkSources(ctx context.Context, root string, limits walkLimits, fn func(path string, kind sourceKind, data []byte) error) error {
	count := 0
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		kind := classify(name)
		if kind == sourceOther || !d.Type().IsRegular() {
			return nil
		}
		if count >= limits.maxFiles {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > limits.maxFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		count++
		return fn(p, kind, data)
	})
}

// goImports parses only the import block of a Go file
func goImports(p string, data []byte) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), p, data, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}
	imports := make([]string, 0, len(f.Imports))
	for _, spec := range f.Imports {
		v, err := strconv.Unquote(spec.Path.Value)
		if err == nil {
			imports = append(imports, v)
		}
	}
	return imports, nil
}

// matchGoImport matches an import path or any of its parent paths, so a
// sub-package import resolves to its module.
func matchGoImport(importPath string) (string, bool) {
	for p := importPath; p != "." && p != "/" && p != ""; p = path.Dir(p) {
		if MatchPackage(p) {
			return PackageName(p), true
		}
		if !strings.Contains(p, "/") {
			break
		}
	}
	return "", false
}

// jsPackage reduces a module specifier to its package name. Relative,
// absolute and node: specifiers return "".
func jsPackage(spec string) string {
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "node:") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func jsImports(data []byte) []string {
	var pkgs []string
	for _, re := range []*regexp.Regexp{jsImport, jsRequire} {
		for _, m := range re.FindAllSubmatch(data, -1) {
			if pkg := jsPackage(string(m[1])); pkg != "" {
				pkgs = append(pkgs, pkg)
			}
		}
	}
	return pkgs
}

// pythonImports returns top-level module names with underscores mapped to
// dashes, matching the distribution naming of MCP servers.
func pythonImports(data []byte) []string {
	var mods []string
	add := func(mod string) {
		mod = strings.TrimSpace(mod)
		if i := strings.Index(mod, "."); i >= 0 {
			mod = mod[:i]
		}
		if mod != "" {
			mods = append(mods, normalizePythonName(mod))
		}
	}
	for _, m := range pyImport.FindAllSubmatch(data, -1) {
		for _, mod := range strings.Split(string(m[1]), ",") {
			add(mod)
		}
	}
	for _, m := range pyFrom.FindAllSubmatch(data, -1) {
		add(string(m[1]))
	}
	return mods
}

// scanImports walks the project sources for import statements naming MCP
// packages. A Go file that fails to parse is reported and skipped.
func scanImports(ctx context.Context, projectDir string, limits walkLimits) ([]MCPCapability, []*SourceError) {
	var (
		found []MCPCapability
		errs  []*SourceError
	)
	add := func(name, file string) {
		found = append(found, MCPCapability{
			Name:         name,
			Type:         TypePackage,
			Args:         []string{},
			DetectedFrom: MethodImport,
			Capabilities: InferCapabilities(name),
			Source:       file,
		})
	}

	err := walkSources(ctx, projectDir, limits, func(p string, kind sourceKind, data []byte) error {
		switch kind {
		case sourceGo:
			imports, err := goImports(p, data)
			if err != nil {
				errs = append(errs, &SourceError{Source: "imports", Path: p, Err: err})
				return nil
			}
			for _, imp := range imports {
				if name, ok := matchGoImport(imp); ok {
					add(name, p)
				}
			}
		case sourceJS:
			for _, pkg := range jsImports(data) {
				if MatchPackage(pkg) {
					add(PackageName(pkg), p)
				}
			}
		case sourcePython:
			for _, mod := range pythonImports(data) {
				if MatchPackage(mod) {
					add(PackageName(mod), p)
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil && !os.IsNotExist(err) {
		errs = append(errs, &SourceError{Source: "imports", Path: projectDir, Err: err})
	}
	return found, errs
}
