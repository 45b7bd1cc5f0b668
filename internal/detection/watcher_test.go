package detection

import (
	"context"
	"testing"
	"time"
)

func TestWatcherInvalidatesOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".mcp.json", `{"mcpServers": {"one": {"command": "mcp-server-time"}}}`)
	e := newTestEngine(t, Options{Level: LevelMinimal, ProjectDir: dir})

	w, err := NewWatcher(e, nil)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	if r := e.Detect(ctx); len(r.MCPs) != 1 {
		t.Fatalf("expected one MCP, got %v", r.Names())
	}

	writeFile(t, dir, ".mcp.json", `{"mcpServers": {"one": {"command": "mcp-server-time"}, "two": {"command": "mcp-server-git"}}}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Cache().Get(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	r := e.Detect(ctx)
	if r.Metrics.CacheHitRate != 0.0 {
		t.Fatal("expected config change to invalidate the cache")
	}
	if len(r.MCPs) != 2 {
		t.Errorf("expected two MCPs after edit, got %v", r.Names())
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Options{Level: LevelMinimal, ProjectDir: dir})

	w, err := NewWatcher(e, nil)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}

	e.Detect(context.Background())
	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(200 * time.Millisecond)

	if _, ok := e.Cache().Get(); !ok {
		t.Error("expected unrelated file change to keep the cache")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
