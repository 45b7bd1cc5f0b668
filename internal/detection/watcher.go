package detection

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/agentid/internal/logging"
)

// Watcher invalidates an engine's cache when a manifest or MCP config file
// changes, so edits are picked up before the TTL expires
type Watcher struct {
	engine  *Engine
	logger  *logging.Logger
	watcher *fsnotify.Watcher
	files   map[string]bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher watches the directories holding the engine's watch paths.
// Directories that do not exist are skipped.
func NewWatcher(engine *Engine, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		engine:  engine,
		logger:  logger,
		watcher: fw,
		files:   map[string]bool{},
		done:    make(chan struct{}),
	}

	dirs := map[string]bool{}
	for _, p := range engine.WatchPaths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := fw.Add(dir); err != nil {
			logger.Debug("Not watching %s: %v", dir, err)
			continue
		}
		dirs[dir] = true
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("%s changed, invalidating detection cache", ev.Name)
			w.engine.Invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("File watcher error: %v", err)
		}
	}
}

// Close stops watching and waits for the event loop to exit
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
