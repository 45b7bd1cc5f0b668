// Package reporter sends detection events to the backend, at most once per
// MCP name per window. Reporting is best-effort: failures are logged and
// returned as data in an Outcome, never as an error.
package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
)

// DefaultWindow is the minimum interval between two reports of one MCP name
const DefaultWindow = 60 * time.Second

// DefaultMaxTracked bounds the number of names held in the window
const DefaultMaxTracked = 4096

// Sender delivers detection events
type Sender interface {
	ReportDetections(ctx context.Context, auth api.Auth, events []detection.DetectionEvent) (*api.ReportResponse, error)
}

// CredentialSource provides the agent identity used to authenticate reports
type CredentialSource interface {
	Load(ctx context.Context) (*credentials.Credentials, error)
}

// Outcome is the result of a Report call. Sent and Suppressed list MCP
// names; Err is set when the send failed. A zero Outcome means nothing was
// attempted.
type Outcome struct {
	Sent       []string
	Suppressed []string
	Response   *api.ReportResponse
	Err        error
}

// OK reports whether nothing failed
func (o Outcome) OK() bool { return o.Err == nil }

// Options configures a Reporter
type Options struct {
	Window     time.Duration
	MaxTracked int
	Logger     *logging.Logger
	Metrics    *Metrics
}

// Reporter rate-limits and sends detection events
type Reporter struct {
	sender  Sender
	creds   CredentialSource
	logger  *logging.Logger
	metrics *Metrics

	mu       sync.Mutex
	window   *expirable.LRU[string, time.Time]
	inFlight map[string]bool
	closed   bool
}

// New creates a reporter
func New(sender Sender, creds CredentialSource, opts Options) *Reporter {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	size := opts.MaxTracked
	if size <= 0 {
		size = DefaultMaxTracked
	}
	return &Reporter{
		sender:   sender,
		creds:    creds,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		window:   expirable.NewLRU[string, time.Time](size, nil, window),
		inFlight: map[string]bool{},
	}
}

// Report sends the events whose MCP name has not been sent within the
// window and is not currently being sent. Only an acknowledged send starts
// a name's window, so failed names are retried on the next call.
func (r *Reporter) Report(ctx context.Context, events []detection.DetectionEvent) Outcome {
	var (
		out   Outcome
		batch []detection.DetectionEvent
	)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return out
	}
	taken := map[string]bool{}
	for _, ev := range events {
		name := ev.MCPServer
		if _, recent := r.window.Peek(name); recent || r.inFlight[name] || taken[name] {
			out.Suppressed = append(out.Suppressed, name)
			continue
		}
		taken[name] = true
		r.inFlight[name] = true
		batch = append(batch, ev)
	}
	r.mu.Unlock()

	r.metrics.suppressed(len(out.Suppressed))
	if len(batch) == 0 {
		return out
	}
	defer r.release(batch)

	auth, err := r.auth(ctx)
	if err != nil {
		out.Err = err
		r.metrics.failed(len(batch))
		r.logger.Debug("Skipping detection report: %v", err)
		return out
	}

	resp, err := r.sender.ReportDetections(ctx, auth, batch)
	if err != nil {
		out.Err = err
		r.metrics.failed(len(batch))
		r.logger.WarningVerbose("Detection report failed: %v", err)
		return out
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Outcome{}
	}
	now := time.Now()
	for _, ev := range batch {
		r.window.Add(ev.MCPServer, now)
		out.Sent = append(out.Sent, ev.MCPServer)
	}
	out.Response = resp
	r.metrics.sent(len(batch))
	r.logger.Debug("Reported %d detection(s)", len(batch))
	return out
}

func (r *Reporter) release(batch []detection.DetectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range batch {
		delete(r.inFlight, ev.MCPServer)
	}
}

func (r *Reporter) auth(ctx context.Context) (api.Auth, error) {
	creds, err := r.creds.Load(ctx)
	if err != nil {
		return api.Auth{}, err
	}
	if creds == nil {
		return api.Auth{}, api.ErrNotRegistered
	}
	return api.Auth{AgentID: creds.AgentID, APIKey: creds.APIKey}, nil
}

// LastSent returns when name was last acknowledged, if within the window
func (r *Reporter) LastSent(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window.Peek(name)
}

// Reset forgets every window, so the next Report sends everything again
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window.Purge()
}

// Close makes every later Report a no-op and discards the result of any
// send still in flight. Safe to call more than once.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.window.Purge()
}

// Closed reports whether Close was called
func (r *Reporter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
