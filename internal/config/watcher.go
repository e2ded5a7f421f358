package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long a state file must stay quiet before its callback
// runs. A temp-file save shows up as Create followed by one or more
// Writes; callers should see one reload, not three.
const settle = 50 * time.Millisecond

// WatchTargets holds callbacks that fire when state files change. This
// is what makes `ledgerctl halt` take effect in a running service: the
// CLI rewrites halted.yaml, the watcher fires, and the service's halt
// list reloads.
type WatchTargets struct {
	// OnHaltChange fires when halted.yaml is written or created.
	OnHaltChange func()

	// OnProtectChange fires when protect.yaml is written or created.
	OnProtectChange func()
}

func (t WatchTargets) byFile() map[string]func() {
	m := make(map[string]func())
	if t.OnHaltChange != nil {
		m[HaltFile] = t.OnHaltChange
	}
	if t.OnProtectChange != nil {
		m[ProtectFile] = t.OnProtectChange
	}
	return m
}

// Watcher monitors the state directory and dispatches to WatchTargets.
type Watcher struct {
	fs        *fsnotify.Watcher
	callbacks map[string]func()

	mu      sync.Mutex
	pending map[string]*time.Timer

	stop      chan struct{}
	stopped   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher starts watching dir. State files are replaced by rename, so
// the directory is watched rather than the files themselves.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fs:        fw,
		callbacks: targets.byFile(),
		pending:   make(map[string]*time.Timer),
		stop:      make(chan struct{}),
	}
	w.stopped.Add(1)
	go w.loop()

	slog.Info("state watcher started", "dir", dir, "files", len(w.callbacks))
	return w, nil
}

func (w *Watcher) loop() {
	defer w.stopped.Done()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.schedule(filepath.Base(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("state watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for name if anything listens to it.
func (w *Watcher) schedule(name string) {
	fn, ok := w.callbacks[name]
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[name]; ok {
		t.Reset(settle)
		return
	}
	w.pending[name] = time.AfterFunc(settle, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()

		select {
		case <-w.stop:
			return
		default:
		}
		slog.Info("state file changed, reloading", "file", name)
		fn()
	})
}

// Close stops the watcher and drops pending callbacks. It is safe to call
// more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.closeErr = w.fs.Close()
		w.stopped.Wait()

		w.mu.Lock()
		for name, t := range w.pending {
			t.Stop()
			delete(w.pending, name)
		}
		w.mu.Unlock()
	})
	return w.closeErr
}
