package detection

import (
	"bufio"
	"bytes"
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DeepOptions enables individual tier-3 features. Each is off by default.
type DeepOptions struct {
	// ASTAnalysis parses Go sources fully and inspects calls that start MCP
	// servers or connect to them
	ASTAnalysis bool
	// DependencyTree reads go.sum and walks node_modules
	DependencyTree bool
	// TrafficMonitoring inspects outbound HTTP requests for MCP transport
	// markers. It requires TrafficConsent.
	TrafficMonitoring bool
	TrafficConsent    bool
	// MaxDepth bounds nested node_modules traversal. Zero means 3.
	MaxDepth int
}

func (o DeepOptions) any() bool {
	return o.ASTAnalysis || o.DependencyTree || o.TrafficMonitoring
}

// deepFeature describes a tier-3 feature for the one-time warning
type deepFeature struct {
	name     string
	overhead float64
	notice   string
}

var (
	featureAST = deepFeature{"AST analysis", weightAST,
		"parses every Go source file in the project"}
	featureDependencyTree = deepFeature{"dependency tree walk", weightDependencyTree,
		"reads go.sum and every installed node module"}
	featureTraffic = deepFeature{"traffic monitoring", weightTraffic,
		"inspects the destination and headers of outbound HTTP requests"}
)

// stdio client constructors whose first string argument is a command
var stdioConstructors = map[string]bool{
	"NewStdioMCPClient":            true,
	"NewStdioMCPClientWithOptions": true,
	"NewStdio":                     true,
	"NewStdioWithOptions":          true,
	"Command":                      true,
	"CommandContext":               true,
}

// remote client constructors whose first string argument is a URL
var remoteConstructors = map[string]string{
	"NewSSEMCPClient":         TypeSSE,
	"NewSSE":                  TypeSSE,
	"NewStreamableHttpClient": TypeHTTP,
	"NewStreamableHTTP":       TypeHTTP,
}

// analyzeGoAST returns MCPs started or connected to by calls in one Go file
func analyzeGoAST(p string, data []byte) ([]MCPCapability, error) {
	f, err := parser.ParseFile(token.NewFileSet(), p, data, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	var found []MCPCapability
	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		fn := sel.Sel.Name
		literals := stringLiterals(call.Args)
		if len(literals) == 0 {
			return true
		}

		if typ, ok := remoteConstructors[fn]; ok {
			u, err := url.Parse(literals[0])
			if err != nil || u.Host == "" {
				return true
			}
			if host, ok := MatchHost(u.Host); ok {
				found = append(found, MCPCapability{
					Name:         host,
					Type:         typ,
					Args:         []string{},
					DetectedFrom: MethodAST,
					Capabilities: InferCapabilities(host, u.Path),
					Source:       p,
				})
			}
			return true
		}

		if !stdioConstructors[fn] {
			return true
		}
		if name, ok := matchCommand(literals[0], literals[1:]); ok {
			found = append(found, MCPCapability{
				Name:         name,
				Type:         TypeStdio,
				Command:      literals[0],
				Args:         literals[1:],
				DetectedFrom: MethodAST,
				Capabilities: InferCapabilities(append([]string{name, literals[0]}, literals[1:]...)...),
				Source:       p,
			})
		}
		return true
	})
	return found, nil
}

// stringLiterals returns the string literal arguments in order
func stringLiterals(args []ast.Expr) []string {
	var out []string
	for _, arg := range args {
		lit, ok := arg.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			continue
		}
		if v, err := strconv.Unquote(lit.Value); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// matchCommand finds the MCP named by a command line: the command itself or
// the first matching argument (npx pkg, uvx pkg, docker run image).
func matchCommand(command string, args []string) (string, bool) {
	base := filepath.Base(command)
	if MatchPackage(base) {
		return PackageName(base), true
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if MatchPackage(arg) {
			return PackageName(arg), true
		}
	}
	return "", false
}

// scanAST runs analyzeGoAST over the project
func scanAST(ctx context.Context, projectDir string, limits walkLimits) ([]MCPCapability, []*SourceError) {
	var (
		found []MCPCapability
		errs  []*SourceError
	)
	_ = walkSources(ctx, projectDir, limits, func(p string, kind sourceKind, data []byte) error {
		if kind != sourceGo {
			return nil
		}
		mcps, err := analyzeGoAST(p, data)
		if err != nil {
			errs = append(errs, &SourceError{Source: "ast", Path: p, Err: err})
			return nil
		}
		found = append(found, mcps...)
		return nil
	})
	return found, errs
}

// goSumModules returns the module paths listed in a go.sum, in file order
func goSumModules(data []byte) []string {
	var mods []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		mods = append(mods, fields[0])
	}
	return mods
}

// nodeModules lists installed packages under dir/node_modules, descending
// into nested node_modules up to maxDepth levels
func nodeModules(ctx context.Context, dir string, depth, maxDepth int, visit func(pkg, path string)) {
	if depth >= maxDepth || ctx.Err() != nil {
		return
	}
	root := filepath.Join(dir, "node_modules")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, "@") {
			scoped, err := os.ReadDir(filepath.Join(root, name))
			if err != nil {
				continue
			}
			for _, s := range scoped {
				if !s.IsDir() {
					continue
				}
				pkgDir := filepath.Join(root, name, s.Name())
				visit(name+"/"+s.Name(), pkgDir)
				nodeModules(ctx, pkgDir, depth+1, maxDepth, visit)
			}
			continue
		}
		pkgDir := filepath.Join(root, name)
		visit(name, pkgDir)
		nodeModules(ctx, pkgDir, depth+1, maxDepth, visit)
	}
}

// scanDependencyTree reports MCP packages among transitive dependencies
func scanDependencyTree(ctx context.Context, projectDir string, maxDepth int) ([]MCPCapability, []*SourceError) {
	var (
		found []MCPCapability
		errs  []*SourceError
	)
	add := func(name, source string) {
		found = append(found, MCPCapability{
			Name:         name,
			Type:         TypePackage,
			Args:         []string{},
			DetectedFrom: MethodDependencyTree,
			Capabilities: InferCapabilities(name),
			Source:       source,
		})
	}

	sumPath := filepath.Join(projectDir, "go.sum")
	data, err := os.ReadFile(sumPath)
	switch {
	case err == nil:
		for _, mod := range goSumModules(data) {
			if MatchPackage(mod) {
				add(PackageName(mod), sumPath)
			}
		}
	case !os.IsNotExist(err):
		errs = append(errs, &SourceError{Source: "dependency_tree", Path: sumPath, Err: err})
	}

	nodeModules(ctx, projectDir, 0, maxDepth, func(pkg, path string) {
		if MatchPackage(pkg) {
			add(PackageName(pkg), path)
		}
	})
	return found, errs
}

// classifyTraffic reports whether a request targets an MCP endpoint: it
// carries an MCP session or protocol header, or it goes to an /mcp or /sse
// path on an MCP-looking host
func classifyTraffic(req HTTPRequestInfo) (MCPCapability, bool) {
	if req.Host == "" {
		return MCPCapability{}, false
	}
	path := strings.TrimSuffix(strings.ToLower(req.Path), "/")
	typ := TypeHTTP
	if strings.HasSuffix(path, "/sse") || (req.Method == "GET" && strings.Contains(req.Accept, "text/event-stream")) {
		typ = TypeSSE
	}

	marked := req.SessionID != "" || req.ProtocolVersion != ""
	_, hostMatch := MatchHost(req.Host)
	mcpPath := strings.HasSuffix(path, "/mcp") || strings.HasSuffix(path, "/sse")
	if !marked && !(hostMatch && mcpPath) {
		return MCPCapability{}, false
	}
	return MCPCapability{
		Name:         req.Host,
		Type:         typ,
		Args:         []string{},
		DetectedFrom: MethodTraffic,
		Capabilities: InferCapabilities(req.Host, req.Path),
		Source:       req.Host,
	}, true
}
