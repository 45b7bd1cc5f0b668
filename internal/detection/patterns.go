package detection

import (
	"net"
	"strings"
)

// knownPackages are MCP servers whose names do not follow the naming rules
var knownPackages = newSet(
	"@playwright/mcp",
	"@upstash/context7-mcp",
	"@stripe/mcp",
	"@notionhq/notion-mcp-server",
	"@supabase/mcp-server-supabase",
	"@browserbasehq/mcp-server-browserbase",
	"@sentry/mcp-server",
	"@cloudflare/mcp-server-cloudflare",
	"@heroku/mcp-server",
	"firecrawl-mcp",
	"exa-mcp-server",
	"tavily-mcp",
	"mcp-server-fetch",
	"mcp-server-git",
	"mcp-server-time",
	"mcp-server-sqlite",
	"github.com/github/github-mcp-server",
	"github.com/mark3labs/mcp-filesystem-server",
	"github.com/isaacphi/mcp-language-server",
	"ghcr.io/github/github-mcp-server",
)

// sdkPackages are MCP client and server libraries. Depending on one says
// nothing about which servers the agent talks to.
var sdkPackages = newSet(
	"@modelcontextprotocol/sdk",
	"@modelcontextprotocol/inspector",
	"@modelcontextprotocol/create-server",
	"mcp",
	"fastmcp",
	"mcp-use",
	"langchain-mcp-adapters",
	"@langchain/mcp-adapters",
	"github.com/mark3labs/mcp-go",
	"github.com/modelcontextprotocol/go-sdk",
	"github.com/metoro-io/mcp-golang",
	"github.com/ggoodman/mcp-server-go",
)

const (
	mcpNamespace  = "@modelcontextprotocol/server-"
	goServersRepo = "github.com/modelcontextprotocol/servers"
	mcpPrefix     = "mcp-server-"
	mcpSuffix     = "-mcp"
	mcpSuffixLong = "-mcp-server"
)

func newSet(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// normalizePackage lowercases a package reference and strips version and
// tag suffixes: "@scope/pkg@1.2.0", "pkg==1.0", "image:latest" and Go
// major-version elements ("/v2").
func normalizePackage(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ""
	}
	if i := strings.LastIndex(n, "@"); i > 0 {
		n = n[:i]
	}
	for _, sep := range []string{"==", ">=", "<=", "~=", "!=", "===", ">", "<"} {
		if i := strings.Index(n, sep); i > 0 {
			n = n[:i]
		}
	}
	if i := strings.LastIndex(n, ":"); i > 0 && !strings.Contains(n[i:], "/") {
		n = n[:i]
	}
	n = strings.TrimSuffix(n, "/")
	if i := strings.LastIndex(n, "/"); i > 0 && isMajorVersion(n[i+1:]) {
		n = n[:i]
	}
	return strings.TrimSpace(n)
}

func isMajorVersion(elem string) bool {
	if len(elem) < 2 || elem[0] != 'v' {
		return false
	}
	for _, r := range elem[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MatchPackage reports whether a package, module path, command or container
// image names an MCP server.
func MatchPackage(name string) bool {
	n := normalizePackage(name)
	if n == "" {
		return false
	}
	if _, ok := sdkPackages[n]; ok {
		return false
	}
	if _, ok := knownPackages[n]; ok {
		return true
	}
	if strings.HasPrefix(n, mcpNamespace) {
		return true
	}
	if n == goServersRepo || strings.HasPrefix(n, goServersRepo+"/") {
		return true
	}

	base := n
	if i := strings.LastIndex(n, "/"); i >= 0 {
		base = n[i+1:]
	}
	base = strings.TrimSuffix(base, ".exe")
	switch {
	case strings.HasSuffix(base, mcpSuffix),
		strings.HasSuffix(base, mcpSuffixLong),
		strings.HasPrefix(base, mcpPrefix) && len(base) > len(mcpPrefix):
		return true
	}
	return false
}

// PackageName returns the normalized form of name used as the MCP name
func PackageName(name string) string {
	return normalizePackage(name)
}

// MatchHost reports whether a network address looks like an MCP endpoint:
// a DNS label equal to "mcp" (mcp.example.com) or a label that is itself an
// MCP package name (github-mcp.internal). Bare IPs never match.
func MatchHost(address string) (string, bool) {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "mcp" || MatchPackage(label) {
			return host, true
		}
	}
	return "", false
}

type capabilityRule struct {
	tag      string
	keywords []string
}

// capabilityRules is in output order
var capabilityRules = []capabilityRule{
	{"filesystem", []string{"filesystem", "file-system", "fs", "fileserver"}},
	{"database", []string{"database", "sqlite", "postgres", "postgresql", "mysql", "mongo", "redis", "sql", "supabase", "duckdb", "bigquery", "clickhouse"}},
	{"web", []string{"fetch", "browser", "puppeteer", "playwright", "web", "scrape", "scraper", "crawl", "firecrawl", "browserbase"}},
	{"memory", []string{"memory", "knowledge", "mem0"}},
	{"github", []string{"github"}},
	{"sequential-reasoning", []string{"sequential", "sequentialthinking", "reasoning", "thinking"}},
	{"search", []string{"search", "brave", "exa", "tavily", "perplexity", "serp"}},
}

// InferCapabilities maps name, command and args text to capability tags by
// case-insensitive keyword matching. Keywords match whole tokens; keywords
// of five or more characters also match token prefixes (postgres matches
// postgresql). Tags are returned in a fixed order.
func InferCapabilities(texts ...string) []string {
	tokens := map[string]struct{}{}
	for _, text := range texts {
		for _, tok := range tokenize(stripHost(text)) {
			tokens[tok] = struct{}{}
		}
	}

	tags := []string{}
	for _, rule := range capabilityRules {
		if matchesAny(tokens, rule.keywords) {
			tags = append(tags, rule.tag)
		}
	}
	return tags
}

func matchesAny(tokens map[string]struct{}, keywords []string) bool {
	for _, kw := range keywords {
		if _, ok := tokens[kw]; ok {
			return true
		}
		if len(kw) < 5 {
			continue
		}
		for tok := range tokens {
			if strings.HasPrefix(tok, kw) {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// stripHost drops the hosting domain from module paths and image names so
// "github.com/acme/db-mcp" does not read as a GitHub integration.
func stripHost(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	first, rest, ok := strings.Cut(s, "/")
	if ok && strings.Contains(first, ".") && !strings.HasPrefix(first, ".") {
		return rest
	}
	return s
}
