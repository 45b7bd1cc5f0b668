package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/registration"
	"github.com/giantswarm/agentid/internal/reporter"
	"github.com/giantswarm/agentid/internal/signing"
)

var (
	// ErrDestroyed is returned by every operation after Destroy
	ErrDestroyed = errors.New("agent client destroyed")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("agent loop already started")

	// ErrNoKeyPair is returned when signing is needed but no key is available
	ErrNoKeyPair = errors.New("no signing key pair available")
)

// ClientConfig holds configuration for creating a new Client
type ClientConfig struct {
	APIURL     string
	SDKVersion string
	AgentName  string
	AgentType  string
	Logger     *logging.Logger
	HTTPClient *http.Client

	// Credentials is the secret backend. Nil uses the OS keyring under
	// CredentialService.
	Credentials       credentials.Backend
	CredentialService string

	// Detection configures the engine. Nil runtime probes are replaced by
	// the default adapters, reachable through Client.Probes.
	Detection detection.Options
	// Watch invalidates the detection cache when manifests or MCP configs change
	Watch bool

	ReportInterval time.Duration
	ReportWindow   time.Duration

	// Tokens performs OAuth-backed registration
	Tokens registration.TokenProvider

	// Registerer receives detection and reporter metrics when set
	Registerer prometheus.Registerer
}

// Probes are the runtime probe adapters installed by NewClient. Route
// process spawns and outbound connections through them so tier 2 detection
// can observe them. A field is nil when the caller supplied its own probe.
type Probes struct {
	Modules *detection.BuildInfoProbe
	Exec    *detection.ExecProbe
	Dial    *detection.DialProbe
	Traffic *detection.HTTPTrafficProbe
}

// Update is the result of one detect-and-report cycle
type Update struct {
	At      time.Time
	Result  detection.Result
	Added   []string
	Removed []string
	Outcome reporter.Outcome
}

// Status summarizes the client's identity and detection state
type Status struct {
	Registered       bool
	AgentID          string
	HasStoredKey     bool
	HasKeyPair       bool
	OAuthTokenExpiry time.Time
	Level            detection.Level
	Running          bool
	CacheValid       bool
	DetectedAt       time.Time
	MCPs             []string
	LastCycle        time.Time
	LastReportError  string
}

// Client represents an agent identity and its detection loop
type Client struct {
	cfg          ClientConfig
	logger       *logging.Logger
	api          *api.Client
	store        *credentials.Store
	engine       *detection.Engine
	reporter     *reporter.Reporter
	registration *registration.Flow
	probes       Probes
	interval     time.Duration
	updates      chan Update

	// cycleMu keeps detect-and-report cycles from overlapping
	cycleMu sync.Mutex

	mu        sync.Mutex
	keyPair   *signing.KeyPair
	watcher   *detection.Watcher
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
	known     map[string]bool
	last      *Update
}

// NewClient wires the credential store, detection engine, reporter and
// registration flow. Nothing runs until Start.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("API URL is required")
	}
	if cfg.SDKVersion == "" {
		cfg.SDKVersion = "dev"
	}
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = DefaultReportInterval
	}

	var (
		detectionMetrics *detection.Metrics
		reporterMetrics  *reporter.Metrics
	)
	if cfg.Registerer != nil {
		detectionMetrics = detection.NewMetrics(cfg.Registerer)
		reporterMetrics = reporter.NewMetrics(cfg.Registerer)
	}

	opts := cfg.Detection
	probes := installProbes(&opts)
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = detectionMetrics
	}
	engine, err := detection.NewEngine(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid detection options: %w", err)
	}

	backend := cfg.Credentials
	if backend == nil {
		backend = credentials.NewKeyringBackend(cfg.CredentialService)
	}

	apiClient := api.NewClient(cfg.APIURL, cfg.SDKVersion, api.WithHTTPClient(cfg.HTTPClient), api.WithLogger(cfg.Logger))
	store := credentials.NewStore(backend, cfg.Logger)

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		api:      apiClient,
		store:    store,
		engine:   engine,
		probes:   probes,
		interval: interval,
		updates:  make(chan Update, updateBuffer),
		known:    map[string]bool{},
	}
	c.reporter = reporter.New(apiClient, store, reporter.Options{
		Window:  cfg.ReportWindow,
		Logger:  cfg.Logger,
		Metrics: reporterMetrics,
	})
	c.registration = registration.NewFlow(apiClient, store, registration.Options{
		Tokens: cfg.Tokens,
		Logger: cfg.Logger,
		Observer: func(_, to registration.State) {
			c.logger.InfoVerbose("Registration: %s", to)
		},
	})
	return c, nil
}

func installProbes(opts *detection.Options) Probes {
	var p Probes
	if opts.ModuleProbe == nil {
		p.Modules = detection.NewBuildInfoProbe()
		opts.ModuleProbe = p.Modules
	}
	if opts.SpawnProbe == nil {
		p.Exec = detection.NewExecProbe()
		opts.SpawnProbe = p.Exec
	}
	if opts.SocketProbe == nil {
		p.Dial = detection.NewDialProbe()
		opts.SocketProbe = p.Dial
	}
	if opts.TrafficProbe == nil {
		p.Traffic = detection.NewHTTPTrafficProbe()
		opts.TrafficProbe = p.Traffic
	}
	return p
}

// Probes returns the runtime probe adapters installed by NewClient
func (c *Client) Probes() Probes { return c.probes }

// Updates delivers the result of every loop cycle. Updates are dropped
// when nobody reads them.
func (c *Client) Updates() <-chan Update { return c.updates }

func (c *Client) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Register runs the registration flow. Empty name and type fall back to
// the configured ones. On success the new key pair becomes the client's
// signing key.
func (c *Client) Register(ctx context.Context, req registration.Request) (*registration.Result, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if req.Name == "" {
		req.Name = c.cfg.AgentName
	}
	if req.Type == "" {
		req.Type = c.cfg.AgentType
	}

	result, err := c.registration.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	// windows belong to the previous identity
	c.reporter.Reset()
	c.SetKeyPair(result.KeyPair)
	return result, nil
}

// RegistrationState returns the state of the current or last registration
func (c *Client) RegistrationState() registration.State { return c.registration.State() }

// Start starts the runtime probes and the periodic detect-and-report loop.
// The loop runs one cycle immediately, then every report interval, until
// ctx is cancelled or Destroy is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	if err := c.engine.Start(); err != nil {
		return err
	}
	if c.cfg.Watch {
		w, err := detection.NewWatcher(c.engine, c.logger)
		if err != nil {
			c.logger.Warning("Config file watching disabled: %v", err)
		} else {
			c.watcher = w
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx, c.done)

	c.logger.Info("Agent loop started (level %s, every %s)", c.engine.Level(), c.interval)
	return nil
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

// ReportNow runs one detect-and-report cycle outside the loop schedule
func (c *Client) ReportNow(ctx context.Context) (Update, error) {
	if err := c.checkAlive(); err != nil {
		return Update{}, err
	}
	return c.cycle(ctx), nil
}

func (c *Client) cycle(ctx context.Context) Update {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	result := c.engine.Detect(ctx)
	now := time.Now()
	u := Update{At: now, Result: result}
	u.Added, u.Removed = c.diff(result.Names())

	if ctx.Err() == nil {
		if events := detection.ToEvents(result, c.cfg.SDKVersion, now); len(events) > 0 {
			u.Outcome = c.reporter.Report(ctx, events)
		}
	}

	c.mu.Lock()
	c.last = &u
	c.mu.Unlock()

	select {
	case c.updates <- u:
	default:
	}
	return u
}

// diff records names as the current MCP set and logs what changed
func (c *Client) diff(names []string) (added, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
		if !c.known[name] {
			added = append(added, name)
		}
	}
	for name := range c.known {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	c.known = current

	for _, name := range added {
		c.logger.Success("MCP detected: %s", name)
	}
	for _, name := range removed {
		c.logger.InfoVerbose("MCP no longer detected: %s", name)
	}
	return added, removed
}

// DetectNow returns the current detection result, served from the cache
// while it is valid. Nothing is reported.
func (c *Client) DetectNow(ctx context.Context) (detection.Result, error) {
	if err := c.checkAlive(); err != nil {
		return detection.Result{}, err
	}
	return c.engine.Detect(ctx), nil
}

// Invalidate drops the cached detection result
func (c *Client) Invalidate() { c.engine.Invalidate() }

// Level returns the effective detection level
func (c *Client) Level() detection.Level { return c.engine.Level() }

// SetKeyPair sets the key used by VerifyAction. Nil falls back to the
// stored registration key.
func (c *Client) SetKeyPair(kp *signing.KeyPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyPair = kp
}

// KeyPair returns the key set with SetKeyPair or by Register
func (c *Client) KeyPair() *signing.KeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyPair
}

// Status reports the stored identity and the detection state
func (c *Client) Status(ctx context.Context) (Status, error) {
	if err := c.checkAlive(); err != nil {
		return Status{}, err
	}
	creds, err := c.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	s := Status{Level: c.engine.Level()}
	if creds != nil {
		s.Registered = true
		s.AgentID = creds.AgentID
		s.HasStoredKey = len(creds.PrivateKey) > 0
		if exp, ok := credentials.OAuthTokenExpiry(creds.OAuthToken); ok {
			s.OAuthTokenExpiry = exp
		}
	}

	cache := c.engine.Cache()
	if mcps, ok := cache.Get(); ok {
		s.CacheValid = true
		for _, m := range mcps {
			s.MCPs = append(s.MCPs, m.Name)
		}
	}
	s.DetectedAt, _ = cache.DetectedAt()

	c.mu.Lock()
	defer c.mu.Unlock()
	s.HasKeyPair = c.keyPair != nil
	if c.done != nil && !c.destroyed {
		select {
		case <-c.done:
		default:
			s.Running = true
		}
	}
	if c.last != nil {
		s.LastCycle = c.last.At
		if err := c.last.Outcome.Err; err != nil {
			s.LastReportError = err.Error()
		}
	}
	return s, nil
}

// ClearCredentials deletes the stored identity
func (c *Client) ClearCredentials(ctx context.Context) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.reporter.Reset()
	c.logger.Info("Stored credentials cleared")
	return nil
}

// Destroy stops the loop, the file watcher and the runtime probes and
// discards any report still in flight. Safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cancel, done, watcher := c.cancel, c.done, c.watcher
	c.mu.Unlock()

	c.reporter.Close()
	if cancel != nil {
		cancel()
		<-done
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			c.logger.Debug("Failed to close config watcher: %v", err)
		}
	}
	c.engine.Stop()
	c.logger.Debug("Agent client destroyed")
}

// Destroyed reports whether Destroy was called
func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
