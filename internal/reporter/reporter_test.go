package reporter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/detection"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   [][]string
	auth    []api.Auth
	err     error
	release chan struct{}
}

func (s *fakeSender) ReportDetections(ctx context.Context, auth api.Auth, events []detection.DetectionEvent) (*api.ReportResponse, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.MCPServer
	}
	s.calls = append(s.calls, names)
	s.auth = append(s.auth, auth)
	if s.err != nil {
		return nil, s.err
	}
	return &api.ReportResponse{Success: true, DetectionsProcessed: len(events)}, nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type staticCreds struct {
	creds *credentials.Credentials
	err   error
}

func (c staticCreds) Load(context.Context) (*credentials.Credentials, error) { return c.creds, c.err }

var registered = staticCreds{creds: &credentials.Credentials{AgentID: "agent-1", APIKey: "key-1"}}

func events(names ...string) []detection.DetectionEvent {
	out := make([]detection.DetectionEvent, len(names))
	for i, n := range names {
		out[i] = detection.NewDetectionEvent(n, detection.MethodConfig, 100, nil, "dev", time.Now())
	}
	return out
}

func TestReportRateLimitsPerName(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, registered, Options{})
	ctx := context.Background()

	first := r.Report(ctx, events("filesystem"))
	second := r.Report(ctx, events("filesystem"))

	if sender.callCount() != 1 {
		t.Fatalf("expected exactly one network call, got %d", sender.callCount())
	}
	if !reflect.DeepEqual(first.Sent, []string{"filesystem"}) {
		t.Errorf("expected first report to send, got %+v", first)
	}
	if len(second.Sent) != 0 || !reflect.DeepEqual(second.Suppressed, []string{"filesystem"}) {
		t.Errorf("expected second report to be suppressed, got %+v", second)
	}
	if sender.auth[0] != (api.Auth{AgentID: "agent-1", APIKey: "key-1"}) {
		t.Errorf("unexpected auth %+v", sender.auth[0])
	}
}

func TestReportSendsOnlyUnlimitedNames(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, registered, Options{})
	ctx := context.Background()

	r.Report(ctx, events("a"))
	out := r.Report(ctx, events("a", "b", "b", "c"))

	if !reflect.DeepEqual(out.Sent, []string{"b", "c"}) {
		t.Errorf("expected [b c] sent, got %v", out.Sent)
	}
	if !reflect.DeepEqual(out.Suppressed, []string{"a", "b"}) {
		t.Errorf("expected [a b] suppressed, got %v", out.Suppressed)
	}
	if got := sender.calls[1]; !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected second call to carry [b c], got %v", got)
	}
}

func TestReportWindowExpires(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, registered, Options{Window: 50 * time.Millisecond})
	ctx := context.Background()

	r.Report(ctx, events("x"))
	if _, ok := r.LastSent("x"); !ok {
		t.Fatal("expected x to be inside the window")
	}
	time.Sleep(100 * time.Millisecond)

	if out := r.Report(ctx, events("x")); !reflect.DeepEqual(out.Sent, []string{"x"}) {
		t.Errorf("expected resend after the window, got %+v", out)
	}
	if sender.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", sender.callCount())
	}
}

func TestFailedSendDoesNotStartWindow(t *testing.T) {
	boom := errors.New("connection refused")
	sender := &fakeSender{err: boom}
	r := New(sender, registered, Options{})
	ctx := context.Background()

	out := r.Report(ctx, events("x"))
	if !errors.Is(out.Err, boom) || out.OK() {
		t.Errorf("expected failure to be carried in the outcome, got %+v", out)
	}
	if len(out.Sent) != 0 {
		t.Errorf("expected nothing sent, got %v", out.Sent)
	}

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	if out := r.Report(ctx, events("x")); !reflect.DeepEqual(out.Sent, []string{"x"}) {
		t.Errorf("expected retry after failure to send, got %+v", out)
	}
	if sender.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", sender.callCount())
	}
}

func TestReportWithoutCredentials(t *testing.T) {
	sender := &fakeSender{}
	ctx := context.Background()

	out := New(sender, staticCreds{}, Options{}).Report(ctx, events("x"))
	if !errors.Is(out.Err, api.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", out.Err)
	}

	storeErr := &credentials.StorageError{Op: "load", Err: errors.New("locked")}
	out = New(sender, staticCreds{err: storeErr}, Options{}).Report(ctx, events("x"))
	var se *credentials.StorageError
	if !errors.As(out.Err, &se) {
		t.Errorf("expected storage error, got %v", out.Err)
	}
	if sender.callCount() != 0 {
		t.Errorf("expected no network calls, got %d", sender.callCount())
	}
}

func TestInFlightNamesAreSuppressed(t *testing.T) {
	sender := &fakeSender{release: make(chan struct{})}
	r := New(sender, registered, Options{})
	ctx := context.Background()

	done := make(chan Outcome)
	go func() { done <- r.Report(ctx, events("x")) }()

	// Wait until the first call holds x in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		busy := r.inFlight["x"]
		r.mu.Unlock()
		if busy || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	concurrent := r.Report(ctx, events("x"))
	if !reflect.DeepEqual(concurrent.Suppressed, []string{"x"}) {
		t.Errorf("expected in-flight name to be suppressed, got %+v", concurrent)
	}

	close(sender.release)
	if out := <-done; !reflect.DeepEqual(out.Sent, []string{"x"}) {
		t.Errorf("expected first report to send, got %+v", out)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected one call, got %d", sender.callCount())
	}
}

func TestCloseMakesReportNoop(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, registered, Options{})
	r.Close()
	r.Close()

	out := r.Report(context.Background(), events("x"))
	if !reflect.DeepEqual(out, Outcome{}) {
		t.Errorf("expected zero outcome after close, got %+v", out)
	}
	if sender.callCount() != 0 {
		t.Errorf("expected no calls after close, got %d", sender.callCount())
	}
	if !r.Closed() {
		t.Error("expected Closed to be true")
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	sender := &fakeSender{release: make(chan struct{})}
	r := New(sender, registered, Options{})

	done := make(chan Outcome)
	go func() { done <- r.Report(context.Background(), events("x")) }()

	time.Sleep(20 * time.Millisecond)
	r.Close()
	close(sender.release)

	if out := <-done; len(out.Sent) != 0 {
		t.Errorf("expected in-flight result to be discarded, got %+v", out)
	}
}

func TestReset(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, registered, Options{})
	ctx := context.Background()

	r.Report(ctx, events("x"))
	r.Reset()
	r.Report(ctx, events("x"))
	if sender.callCount() != 2 {
		t.Errorf("expected reset to allow a resend, got %d calls", sender.callCount())
	}
}

func TestReporterMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	r := New(&fakeSender{}, registered, Options{Metrics: metrics})
	ctx := context.Background()

	r.Report(ctx, events("a", "b"))
	r.Report(ctx, events("a"))

	if got := testutil.ToFloat64(metrics.Events.WithLabelValues("sent")); got != 2 {
		t.Errorf("expected 2 sent, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Events.WithLabelValues("suppressed")); got != 1 {
		t.Errorf("expected 1 suppressed, got %v", got)
	}
}

func TestReportThroughAPIClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"detectionsProcessed":1,"newMCPs":[],"existingMCPs":[],"message":"ok"}`))
	}))
	defer srv.Close()

	store := credentials.NewStore(credentials.NewMemoryBackend(), nil)
	if err := store.Store(context.Background(), &credentials.Credentials{AgentID: "a", APIKey: "k"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	r := New(api.NewClient(srv.URL, "dev"), store, Options{})
	for i := 0; i < 3; i++ {
		r.Report(context.Background(), events("mcp-server-sqlite"))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected one HTTP request, got %d", got)
	}
}
