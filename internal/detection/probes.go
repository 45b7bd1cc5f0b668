package detection

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
)

// ErrProbeInUse is returned when a probe that already has a subscriber is
// started again. Only one engine may observe a probe at a time.
var ErrProbeInUse = errors.New("probe already has a subscriber")

// ModuleLoadProbe reports modules linked or loaded into the process
type ModuleLoadProbe interface {
	Start(onLoad func(module string)) error
	Stop()
}

// ProcessSpawnProbe reports child processes started by the process
type ProcessSpawnProbe interface {
	Start(onSpawn func(command string, args []string)) error
	Stop()
}

// SocketConnectProbe reports outbound connections made by the process
type SocketConnectProbe interface {
	Start(onConnect func(network, address string)) error
	Stop()
}

// HTTPRequestInfo is the part of an outbound HTTP request inspected by
// traffic monitoring. Bodies are never read.
type HTTPRequestInfo struct {
	Method string
	Host   string
	Path   string
	// Header values relevant to MCP transports
	SessionID       string
	ProtocolVersion string
	Accept          string
}

// TrafficProbe reports outbound HTTP requests
type TrafficProbe interface {
	Start(onRequest func(HTTPRequestInfo)) error
	Stop()
}

// subscriber holds the single callback of a probe
type subscriber[F any] struct {
	mu     sync.RWMutex
	fn     F
	active bool
}

func (s *subscriber[F]) set(fn F) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrProbeInUse
	}
	s.fn = fn
	s.active = true
	return nil
}

func (s *subscriber[F]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero F
	s.fn = zero
	s.active = false
}

func (s *subscriber[F]) get() (F, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fn, s.active
}

// BuildInfoProbe reports the modules compiled into the running binary when
// started, and any module passed to Loaded afterwards (plugins opened at
// runtime).
type BuildInfoProbe struct {
	// ReadBuildInfo defaults to debug.ReadBuildInfo
	ReadBuildInfo func() (*debug.BuildInfo, bool)

	sub subscriber[func(string)]
}

// NewBuildInfoProbe creates a module probe over the binary's build info
func NewBuildInfoProbe() *BuildInfoProbe {
	return &BuildInfoProbe{ReadBuildInfo: debug.ReadBuildInfo}
}

// Start subscribes onLoad and replays the linked modules to it
func (p *BuildInfoProbe) Start(onLoad func(module string)) error {
	if err := p.sub.set(onLoad); err != nil {
		return err
	}
	read := p.ReadBuildInfo
	if read == nil {
		read = debug.ReadBuildInfo
	}
	if info, ok := read(); ok {
		for _, dep := range info.Deps {
			mod := dep
			if dep.Replace != nil {
				mod = dep.Replace
			}
			onLoad(mod.Path)
		}
	}
	return nil
}

// Loaded reports a module loaded at runtime
func (p *BuildInfoProbe) Loaded(module string) {
	if fn, ok := p.sub.get(); ok {
		fn(module)
	}
}

func (p *BuildInfoProbe) Stop() { p.sub.clear() }

// ExecProbe wraps process creation. Code that spawns MCP servers through it
// is observed without further changes.
type ExecProbe struct {
	sub subscriber[func(string, []string)]
}

// NewExecProbe creates a process spawn probe
func NewExecProbe() *ExecProbe { return &ExecProbe{} }

func (p *ExecProbe) Start(onSpawn func(command string, args []string)) error {
	return p.sub.set(onSpawn)
}

func (p *ExecProbe) Stop() { p.sub.clear() }

// Spawned reports a process started by other means
func (p *ExecProbe) Spawned(command string, args ...string) {
	if fn, ok := p.sub.get(); ok {
		fn(command, append([]string{}, args...))
	}
}

// CommandContext is exec.CommandContext with spawn notification
func (p *ExecProbe) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	p.Spawned(name, args...)
	return exec.CommandContext(ctx, name, args...)
}

// CommandFunc builds commands for stdio MCP transports that accept a custom
// command factory
func (p *ExecProbe) CommandFunc(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmd := p.CommandContext(ctx, command, args...)
	cmd.Env = env
	return cmd, nil
}

// DialProbe wraps outbound dialing
type DialProbe struct {
	Dialer *net.Dialer

	sub subscriber[func(string, string)]
}

// NewDialProbe creates a socket probe over a default dialer
func NewDialProbe() *DialProbe { return &DialProbe{Dialer: &net.Dialer{}} }

func (p *DialProbe) Start(onConnect func(network, address string)) error {
	return p.sub.set(onConnect)
}

func (p *DialProbe) Stop() { p.sub.clear() }

// DialContext dials and reports each successful connection
func (p *DialProbe) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := p.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if fn, ok := p.sub.get(); ok {
		fn(network, address)
	}
	return conn, nil
}

// Transport returns a clone of http.DefaultTransport that dials through
// the probe
func (p *DialProbe) Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = p.DialContext
	return t
}

// HTTPTrafficProbe observes requests passing through a wrapped
// http.RoundTripper
type HTTPTrafficProbe struct {
	sub subscriber[func(HTTPRequestInfo)]
}

// NewHTTPTrafficProbe creates a traffic probe
func NewHTTPTrafficProbe() *HTTPTrafficProbe { return &HTTPTrafficProbe{} }

func (p *HTTPTrafficProbe) Start(onRequest func(HTTPRequestInfo)) error {
	return p.sub.set(onRequest)
}

func (p *HTTPTrafficProbe) Stop() { p.sub.clear() }

// Wrap returns a RoundTripper that reports every request to the probe
// before forwarding it to base
func (p *HTTPTrafficProbe) Wrap(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &trafficRoundTripper{probe: p, base: base}
}

type trafficRoundTripper struct {
	probe *HTTPTrafficProbe
	base  http.RoundTripper
}

func (t *trafficRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if fn, ok := t.probe.sub.get(); ok && req.URL != nil {
		fn(HTTPRequestInfo{
			Method:          req.Method,
			Host:            strings.ToLower(req.URL.Hostname()),
			Path:            req.URL.Path,
			SessionID:       req.Header.Get("Mcp-Session-Id"),
			ProtocolVersion: req.Header.Get("Mcp-Protocol-Version"),
			Accept:          req.Header.Get("Accept"),
		})
	}
	return t.base.RoundTrip(req)
}
