package fs

import (
	"context"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/cosync/pkg/core"
)

// watchWorker turns fsnotify events below the workspace root into structural
// changes for the workspace subscribers.
type watchWorker struct {
	*worker.BaseWorker
	ws        *Workspace
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	folders   map[string]struct{}
	cancel    context.CancelFunc
}

func newWatchWorker(ws *Workspace) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("fs-watcher"),
		ws:         ws,
		folders:    make(map[string]struct{}),
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.addTree(watcher, w.ws.root); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.debouncer = newDebouncer(w.ws.config.Debounce)
	w.ws.setWatcherActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}

	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// addTree watches dir and every shared folder below it.
func (w *watchWorker) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(name string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p, ok := w.ws.rel(name); ok {
			if w.ws.Ignored(p) {
				return filepath.SkipDir
			}
			w.folders[p] = struct{}{}
		}
		if err := watcher.Add(name); err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
		return nil
	})
}

// mapEvent translates an fsnotify event. Writes and permission changes are
// not structural and yield nothing.
func (w *watchWorker) mapEvent(event fsnotify.Event, p string) (core.Change, bool) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return core.Change{}, false
		}
		if info.IsDir() {
			if err := w.addTree(w.watcher, event.Name); err != nil {
				w.ws.logger.Warn("failed to watch new folder", "path", p, "error", err)
			}
			return core.Change{Op: core.ChangeCreated, Path: p, Folder: true}, true
		}
		delete(w.folders, p)
		return core.Change{Op: core.ChangeCreated, Path: p}, true

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A removed folder is reported by its own watch and by its parent's,
		// so the entry is kept until the path is reused by a file.
		_, folder := w.folders[p]
		return core.Change{Op: core.ChangeRemoved, Path: p, Folder: folder}, true
	}
	return core.Change{}, false
}

// processFilesystemEvent filters, maps and debounces one event.
func (w *watchWorker) processFilesystemEvent(event fsnotify.Event) (processed bool) {
	w.ws.logger.Debug("event received", "name", event.Name, "op", event.Op.String())

	p, ok := w.ws.rel(event.Name)
	if !ok || w.ws.Ignored(p) {
		return false
	}
	if w.ws.isEcho(p) {
		w.ws.logger.Debug("ignoring echo of own write", "path", p)
		return false
	}

	c, ok := w.mapEvent(event, p)
	if !ok {
		return false
	}
	w.debouncer.add(p, func() { w.ws.notify(c) })
	return true
}

func (w *watchWorker) handleWatcherError(err error) (shouldContinue bool) {
	w.ws.logger.Error("fsnotify error", "error", err)
	return true
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	logger := w.ws.logger
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer w.ws.setWatcherActive(false)
	defer w.watcher.Close()

	err = w.mainEventLoop(ctx)

	// In-flight debounced notifications finish before the watcher reports
	// itself stopped.
	w.debouncer.stopAndWait(5 * time.Second)

	return err
}

func (w *watchWorker) mainEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.processFilesystemEvent(event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.handleWatcherError(wErr)
		}
	}
}

// Start watches the tree for changes made by other programs, restarting the
// watcher when fsnotify fails. Calling it on a watching workspace is a no-op.
func (w *Workspace) Start(ctx context.Context) error {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.stopWatch != nil {
		return nil
	}

	spec := supervisor.Spec{
		Name: "fs-watcher",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			return newWatchWorker(w), nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			ResetDuration:   time.Minute,
			MaxRestarts:     10,
			MaxDuration:     10 * time.Minute,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}

	sup := supervisor.New("fs-workspace", supervisor.StrategyOneForOne, spec)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	w.stopWatch = sup.Stop
	return nil
}

// Stop ends watching. API mutations are still reported.
func (w *Workspace) Stop(ctx context.Context) error {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.stopWatch == nil {
		return nil
	}
	stop := w.stopWatch
	w.stopWatch = nil
	return stop(ctx)
}

func (w *Workspace) setWatcherActive(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watcherActive = active
}

// debouncer runs the last callback added for a key once the key has been
// quiet for delay.
type debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) add(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok && t.Stop() {
		d.wg.Done()
	}

	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	d.timers[key] = t
}

// stopAndWait drops pending callbacks and waits up to timeout for running
// ones to return.
func (d *debouncer) stopAndWait(timeout time.Duration) {
	d.mu.Lock()
	d.stopped = true
	for key, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
