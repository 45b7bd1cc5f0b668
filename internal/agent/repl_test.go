package agent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestREPL(t *testing.T, c *Client) (*REPL, *bytes.Buffer) {
	t.Helper()
	logger, _ := newTestLogger()
	r := NewREPL(c, logger)
	var out bytes.Buffer
	r.out = &out
	return r, &out
}

func TestREPLCommands(t *testing.T) {
	backend := NewMockBackend(t)
	c := registeredClient(t, backend, testProject(t))
	r, out := newTestREPL(t, c)
	ctx := context.Background()

	tests := []struct {
		input   string
		want    []string
		wantErr string
	}{
		{input: "help", want: []string{"Available commands:", "verify <action>"}},
		{input: "status", want: []string{"Agent ID:       " + testAgentID, "Level:          minimal"}},
		{input: "detect refresh", want: []string{"Detected MCP servers (2):", "filesystem", "github"}},
		{input: "describe filesystem", want: []string{"Name:        filesystem", "Env:         TOKEN"}},
		{input: "describe nope", wantErr: "MCP not found: nope"},
		{input: "describe", wantErr: "usage: describe <mcp-name>"},
		{input: "metrics", want: []string{"mcps_detected"}},
		{input: "report", want: []string{"Reported: "}},
		{input: "report", want: []string{"Rate limited: "}},
		{input: "declare alpha beta", want: []string{"Declared 2 MCP server(s)"}},
		{input: "grant filesystem:read", want: []string{"Granted: filesystem:read"}},
		{input: `verify read_file /etc/hosts {"reason": "audit", /* note */}`, want: []string{"Message:     checked"}},
		{input: "verify read_file /etc/hosts {broken", wantErr: "invalid JSON context"},
		{input: "verbose on", want: []string{"Verbose output enabled"}},
		{input: "verbose maybe", wantErr: "invalid setting"},
		{input: "invalidate", want: []string{"Detection cache invalidated"}},
		{input: "bogus", wantErr: "unknown command: bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			out.Reset()
			err := r.executeCommand(ctx, tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestREPLExit(t *testing.T) {
	r, _ := newTestREPL(t, newTestClient(t, NewMockBackend(t), ""))
	for _, cmd := range []string{"exit", "QUIT"} {
		if err := r.executeCommand(context.Background(), cmd); !errors.Is(err, errExit) {
			t.Errorf("%s: expected errExit, got %v", cmd, err)
		}
	}
}

func TestREPLRegisterAndClear(t *testing.T) {
	backend := NewMockBackend(t)
	c := newTestClient(t, backend, "")
	r, out := newTestREPL(t, c)
	ctx := context.Background()

	if err := r.executeCommand(ctx, "register my-agent"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out.String(), "Agent ID:   "+testAgentID) {
		t.Errorf("expected agent ID in output, got:\n%s", out.String())
	}
	if reqs := backend.Requests("/register"); len(reqs) != 1 || reqs[0].Body["name"] != "my-agent" {
		t.Errorf("expected registration as my-agent, got %+v", reqs)
	}

	if err := r.executeCommand(ctx, "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out.Reset()
	if err := r.executeCommand(ctx, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "(not registered)") {
		t.Errorf("expected unregistered status, got:\n%s", out.String())
	}
}

func TestParseActionContext(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: `{"a": 1, "b": "x"}`, want: 2},
		{raw: "{\"a\": 1, // comment\n}", want: 1},
		{raw: `[1, 2]`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseActionContext(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: expected error=%v, got %v", tt.raw, tt.wantErr, err)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("%q: expected %d keys, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestPrintUpdate(t *testing.T) {
	r, out := newTestREPL(t, newTestClient(t, NewMockBackend(t), ""))
	u := Update{Added: []string{"new"}, Removed: []string{"old"}}
	u.Outcome.Err = errors.New("boom")

	r.printUpdate(u)

	for _, want := range []string{"+ new", "- old", "Report failed: boom"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output, got:\n%s", want, out.String())
		}
	}
}
