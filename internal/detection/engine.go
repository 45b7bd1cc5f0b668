package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/giantswarm/agentid/internal/logging"
)

// ErrTrafficConsentRequired is returned when traffic monitoring is enabled
// without consent
var ErrTrafficConsentRequired = errors.New("traffic monitoring requires explicit consent")

// maxRuntimeHits bounds the runtime observations kept per method
const maxRuntimeHits = 256

// Options configures an Engine
type Options struct {
	Level Level
	// ProjectDir is scanned for manifests, sources and project MCP configs.
	// Empty disables project scanning.
	ProjectDir string
	// HomeDir roots the per-user MCP configs. Empty uses the user's home.
	HomeDir         string
	SkipUserConfigs bool
	// ConfigPaths are additional MCP config files, scanned last
	ConfigPaths []string

	CacheTTL          time.Duration
	PerformanceBudget time.Duration
	MaxFiles          int
	MaxFileSize       int64

	Deep DeepOptions

	ModuleProbe  ModuleLoadProbe
	SpawnProbe   ProcessSpawnProbe
	SocketProbe  SocketConnectProbe
	TrafficProbe TrafficProbe

	// Now drives cache expiry. Nil uses time.Now.
	Now     func() time.Time
	Logger  *logging.Logger
	Metrics *Metrics
}

// Engine runs tiered MCP detection and caches the merged result
type Engine struct {
	opts    Options
	level   Level
	budget  time.Duration
	limits  walkLimits
	logger  *logging.Logger
	metrics *Metrics
	cache   *Cache

	// detectMu serializes Detect calls
	detectMu sync.Mutex

	mu      sync.Mutex
	started bool
	stops   []func()
	hits    map[Method][]MCPCapability
	hitKeys map[string]bool
	known   map[string]bool
	// gen counts stored runtime hits
	gen uint64

	warnAST     sync.Once
	warnDeps    sync.Once
	warnTraffic sync.Once
}

// NewEngine validates opts and creates an engine. Probes are not started
// until Start is called.
func NewEngine(opts Options) (*Engine, error) {
	level := opts.Level
	if level == "" {
		level = LevelStandard
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	if opts.Deep.TrafficMonitoring && !opts.Deep.TrafficConsent {
		return nil, ErrTrafficConsentRequired
	}

	budget := opts.PerformanceBudget
	if budget <= 0 {
		budget = DefaultPerformanceBudget
	}
	limits := walkLimits{maxFiles: opts.MaxFiles, maxFileSize: opts.MaxFileSize}
	if limits.maxFiles <= 0 {
		limits.maxFiles = DefaultMaxFiles
	}
	if limits.maxFileSize <= 0 {
		limits.maxFileSize = DefaultMaxFileSize
	}
	if opts.Deep.MaxDepth <= 0 {
		opts.Deep.MaxDepth = 3
	}

	return &Engine{
		opts:    opts,
		level:   level,
		budget:  budget,
		limits:  limits,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cache:   NewCache(opts.CacheTTL, opts.Now),
		hits:    map[Method][]MCPCapability{},
		hitKeys: map[string]bool{},
		known:   map[string]bool{},
	}, nil
}

// Level returns the effective detection level
func (e *Engine) Level() Level { return e.level }

// Cache returns the engine's result cache
func (e *Engine) Cache() *Cache { return e.cache }

func (e *Engine) trafficEnabled() bool {
	return e.level == LevelDeep && e.opts.Deep.TrafficMonitoring && e.opts.Deep.TrafficConsent && e.opts.TrafficProbe != nil
}

// Start subscribes to the configured runtime probes. It is a no-op at
// LevelMinimal and when already started. If any probe fails to start, the
// ones already started are stopped again.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started || !e.level.runtime() {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	// Probes may replay observations synchronously, so they are started
	// without holding e.mu.
	var stops []func()
	fail := func(name string, err error) error {
		for _, stop := range stops {
			stop()
		}
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start %s probe: %w", name, err)
	}

	if p := e.opts.ModuleProbe; p != nil {
		if err := p.Start(e.onModuleLoad); err != nil {
			return fail("module load", err)
		}
		stops = append(stops, p.Stop)
	}
	if p := e.opts.SpawnProbe; p != nil {
		if err := p.Start(e.onProcessSpawn); err != nil {
			return fail("process spawn", err)
		}
		stops = append(stops, p.Stop)
	}
	if p := e.opts.SocketProbe; p != nil {
		if err := p.Start(e.onSocketConnect); err != nil {
			return fail("socket connect", err)
		}
		stops = append(stops, p.Stop)
	}
	if e.trafficEnabled() {
		e.warnOnce(&e.warnTraffic, featureTraffic)
		if err := e.opts.TrafficProbe.Start(e.onHTTPRequest); err != nil {
			return fail("traffic", err)
		}
		stops = append(stops, e.opts.TrafficProbe.Stop)
	}

	e.mu.Lock()
	e.stops = stops
	e.mu.Unlock()
	e.logger.Debug("Runtime detection started with %d probe(s)", len(stops))
	return nil
}

// Stop unsubscribes from every probe. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	stops := e.stops
	e.stops = nil
	e.started = false
	e.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Invalidate drops the cached result so the next Detect rescans
func (e *Engine) Invalidate() {
	e.cache.Invalidate()
	e.logger.Debug("Detection cache invalidated")
}

func (e *Engine) onModuleLoad(module string) {
	name, ok := matchGoImport(module)
	if !ok {
		return
	}
	e.record(MCPCapability{
		Name:         name,
		Type:         TypePackage,
		Args:         []string{},
		DetectedFrom: MethodRuntimeModule,
		Capabilities: InferCapabilities(name),
		Source:       "module",
	})
}

func (e *Engine) onProcessSpawn(command string, args []string) {
	name, ok := matchCommand(command, args)
	if !ok {
		return
	}
	e.record(MCPCapability{
		Name:         name,
		Type:         TypeStdio,
		Command:      command,
		Args:         append([]string{}, args...),
		DetectedFrom: MethodRuntimeProcess,
		Capabilities: InferCapabilities(append([]string{name, command}, args...)...),
		Source:       "process",
	})
}

func (e *Engine) onSocketConnect(network, address string) {
	host, ok := MatchHost(address)
	if !ok {
		return
	}
	e.record(MCPCapability{
		Name:         host,
		Type:         network,
		Args:         []string{},
		DetectedFrom: MethodRuntimeNetwork,
		Capabilities: InferCapabilities(host),
		Source:       address,
	})
}

func (e *Engine) onHTTPRequest(req HTTPRequestInfo) {
	if mcp, ok := classifyTraffic(req); ok {
		e.record(mcp)
	}
}

// record stores a runtime observation. A name not present in the last
// result invalidates the cache so the next Detect includes it.
func (e *Engine) record(mcp MCPCapability) {
	key := string(mcp.DetectedFrom) + "\x00" + mcp.Name

	e.mu.Lock()
	if e.hitKeys[key] || len(e.hits[mcp.DetectedFrom]) >= maxRuntimeHits {
		e.mu.Unlock()
		return
	}
	e.hitKeys[key] = true
	e.hits[mcp.DetectedFrom] = append(e.hits[mcp.DetectedFrom], mcp)
	e.gen++
	isNew := !e.known[mcp.Name]
	e.known[mcp.Name] = true
	e.mu.Unlock()

	if isNew {
		e.logger.Debug("Runtime detection observed %s via %s", mcp.Name, mcp.DetectedFrom)
		e.cache.Invalidate()
	}
}

func (e *Engine) runtimeHits(methods ...Method) []MCPCapability {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []MCPCapability
	for _, m := range methods {
		out = append(out, cloneAll(e.hits[m])...)
	}
	return out
}

// ConfigPaths returns the MCP config files scanned, in scan order
func (e *Engine) ConfigPaths() []string {
	var paths []string
	if e.opts.ProjectDir != "" {
		for _, f := range ProjectConfigFiles {
			paths = append(paths, filepath.Join(e.opts.ProjectDir, f))
		}
	}
	if !e.opts.SkipUserConfigs {
		home := e.opts.HomeDir
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		if home != "" {
			paths = append(paths, UserConfigFiles(home)...)
		}
	}
	return append(paths, e.opts.ConfigPaths...)
}

// WatchPaths returns every file whose change can alter a static scan
func (e *Engine) WatchPaths() []string {
	var paths []string
	if e.opts.ProjectDir != "" {
		for _, p := range manifestParsers {
			paths = append(paths, filepath.Join(e.opts.ProjectDir, p.file))
		}
	}
	return append(paths, e.ConfigPaths()...)
}

func (e *Engine) warnOnce(once *sync.Once, f deepFeature) {
	once.Do(func() {
		e.logger.Warning("Deep detection: %s enabled, estimated CPU overhead %.1f%%: %s", f.name, f.overhead, f.notice)
	})
}

// Detect returns the MCPs in use. A valid cached result is returned as-is
// with CacheHitRate 1.0 and no budget check. Otherwise every enabled tier
// runs, results are merged by name with the first occurrence winning, and
// the merged list is cached. Sources that fail are skipped. A cancelled
// ctx stops the scan early and the partial result is not cached, as is a
// result that missed a runtime hit recorded while the scan ran.
func (e *Engine) Detect(ctx context.Context) Result {
	e.detectMu.Lock()
	defer e.detectMu.Unlock()

	start := time.Now()
	if mcps, ok := e.cache.Get(); ok {
		e.metrics.cacheHit()
		return Result{
			MCPs: mcps,
			Metrics: PerformanceMetrics{
				DetectionTimeMs:    millis(time.Since(start)),
				CPUOverheadPercent: e.estimateCPUOverhead(),
				MemoryUsageMB:      memoryUsageMB(),
				CacheHitRate:       1.0,
				MCPsDetected:       len(mcps),
			},
		}
	}
	e.metrics.cacheMiss()

	var sourceErrs []*SourceError
	collect := func(found []MCPCapability, errs []*SourceError) []MCPCapability {
		sourceErrs = append(sourceErrs, errs...)
		return found
	}

	// Tier 1
	t1 := time.Now()
	var tier1 []MCPCapability
	if dir := e.opts.ProjectDir; dir != "" {
		tier1 = append(tier1, collect(scanManifests(dir))...)
		tier1 = append(tier1, collect(scanImports(ctx, dir, e.limits))...)
	}
	tier1 = append(tier1, collect(scanConfigs(e.ConfigPaths(), e.opts.ProjectDir))...)
	tier1Time := time.Since(t1)

	// A hit recorded after this point may be missing from merged
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	// Tier 2
	t2 := time.Now()
	var tier2 []MCPCapability
	if e.level.runtime() {
		tier2 = e.runtimeHits(MethodRuntimeModule, MethodRuntimeProcess, MethodRuntimeNetwork)
	}
	tier2Time := time.Since(t2)

	// Tier 3
	var (
		tier3     []MCPCapability
		tier3Time *float64
	)
	if e.level == LevelDeep && e.opts.Deep.any() {
		t3 := time.Now()
		if e.opts.Deep.ASTAnalysis && e.opts.ProjectDir != "" {
			e.warnOnce(&e.warnAST, featureAST)
			tier3 = append(tier3, collect(scanAST(ctx, e.opts.ProjectDir, e.limits))...)
		}
		if e.opts.Deep.DependencyTree && e.opts.ProjectDir != "" {
			e.warnOnce(&e.warnDeps, featureDependencyTree)
			tier3 = append(tier3, collect(scanDependencyTree(ctx, e.opts.ProjectDir, e.opts.Deep.MaxDepth))...)
		}
		if e.trafficEnabled() {
			tier3 = append(tier3, e.runtimeHits(MethodTraffic)...)
		}
		ms := millis(time.Since(t3))
		tier3Time = &ms
	}

	merged := Merge(tier1, tier2, tier3)
	total := time.Since(start)

	for _, err := range sourceErrs {
		e.logger.WarningVerbose("Skipping %v", err)
		e.metrics.sourceError(err.Source)
	}
	if total > e.budget {
		e.logger.Warning("Detection took %.1fms, over the %s performance budget", millis(total), e.budget)
		e.metrics.budgetExceeded()
	}

	if ctx.Err() == nil {
		e.mu.Lock()
		if e.gen == gen {
			e.cache.Put(merged)
			for _, m := range merged {
				e.known[m.Name] = true
			}
		}
		e.mu.Unlock()
	}
	e.metrics.observe(total, len(merged))

	return Result{
		MCPs: merged,
		Metrics: PerformanceMetrics{
			DetectionTimeMs:    millis(total),
			Tier1TimeMs:        millis(tier1Time),
			Tier2TimeMs:        millis(tier2Time),
			Tier3TimeMs:        tier3Time,
			CPUOverheadPercent: e.estimateCPUOverhead(),
			MemoryUsageMB:      memoryUsageMB(),
			CacheHitRate:       0.0,
			MCPsDetected:       len(merged),
		},
		SourceErrors: sourceErrs,
	}
}

// Merge concatenates detection lists and drops every MCP whose name was
// already seen. The returned slice never aliases the inputs.
func Merge(lists ...[]MCPCapability) []MCPCapability {
	seen := map[string]bool{}
	merged := []MCPCapability{}
	for _, list := range lists {
		for _, m := range list {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			merged = append(merged, m.clone())
		}
	}
	return merged
}
