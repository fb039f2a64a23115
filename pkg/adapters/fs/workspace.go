// Package fs implements the session workspace on a directory tree. Writes are
// atomic, structural changes made through the API are reported synchronously
// and changes made by other programs are picked up by an fsnotify watcher.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/cosync/pkg/core"
)

const (
	// DefaultEchoWindow is how long watcher events on a path written through
	// the API are attributed to that write.
	DefaultEchoWindow = 2 * time.Second

	// DefaultDebounce coalesces bursts of watcher events on one path.
	DefaultDebounce = 50 * time.Millisecond
)

// DefaultIgnore lists patterns never shared.
var DefaultIgnore = []string{".git", ".git/**"}

// Config holds the configuration of a disk workspace.
type Config struct {
	Root       string
	Ignore     []string // doublestar patterns on workspace-relative slash paths
	EchoWindow time.Duration
	Debounce   time.Duration
	Logger     *slog.Logger
}

type echoMark struct {
	at   time.Time
	tree bool
}

// Workspace is a core.Workspace rooted at a directory.
type Workspace struct {
	root   string
	config Config
	ignore []string
	logger *slog.Logger

	mu            sync.RWMutex
	recent        map[string]echoMark
	watcherActive bool
	notified      int
	echoes        int

	watchMu   sync.Mutex
	stopWatch func(context.Context) error

	subMu       sync.RWMutex
	subscribers map[int]func(core.Change)
	nextSub     int
}

var (
	_ core.Workspace = (*Workspace)(nil)
	_ core.Watchable = (*Workspace)(nil)
)

// New opens the workspace at cfg.Root, which must be an existing directory.
func New(cfg Config) (*Workspace, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	ignore := slices.Concat(DefaultIgnore, cfg.Ignore)
	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	return &Workspace{
		root:        root,
		config:      cfg,
		ignore:      ignore,
		logger:      cfg.Logger.With("component", "fs-workspace"),
		recent:      make(map[string]echoMark),
		subscribers: make(map[int]func(core.Change)),
	}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

func (w *Workspace) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(core.CleanPath(p)))
}

func (w *Workspace) rel(name string) (string, bool) {
	r, err := filepath.Rel(w.root, name)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// Ignored reports whether p is excluded from sharing.
func (w *Workspace) Ignored(p string) bool {
	p = core.CleanPath(p)
	if isTempFile(p) {
		return true
	}
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// FileExists implements core.Workspace.
func (w *Workspace) FileExists(p string) bool {
	info, err := os.Stat(w.abs(p))
	return err == nil && info.Mode().IsRegular()
}

// FolderExists implements core.Workspace.
func (w *Workspace) FolderExists(p string) bool {
	info, err := os.Stat(w.abs(p))
	return err == nil && info.IsDir()
}

// CreateFile implements core.Workspace.
func (w *Workspace) CreateFile(_ context.Context, p string, content io.Reader, force bool) error {
	p = core.CleanPath(p)
	if p == "" {
		return fmt.Errorf("%w: empty file path", core.ErrUnsupportedActivity)
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read content for %s: %w", p, err)
	}

	existed := w.FileExists(p)
	if existed && !force {
		return fmt.Errorf("%w: %s", core.ErrExists, p)
	}

	w.markParents(p)
	w.markWritten(p, false)
	if err := writeFileAtomic(w.abs(p), data, 0o644); err != nil {
		return err
	}

	if !existed {
		w.notify(core.Change{Op: core.ChangeCreated, Path: p})
	}
	return nil
}

// CreateFolder implements core.Workspace.
func (w *Workspace) CreateFolder(_ context.Context, p string, force bool) error {
	p = core.CleanPath(p)
	if w.FolderExists(p) {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %s", core.ErrExists, p)
	}

	w.markParents(p)
	w.markWritten(p, false)
	if err := os.MkdirAll(w.abs(p), 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", p, err)
	}
	w.notify(core.Change{Op: core.ChangeCreated, Path: p, Folder: true})
	return nil
}

// Delete implements core.Workspace.
func (w *Workspace) Delete(_ context.Context, p string) error {
	p = core.CleanPath(p)
	if p == "" {
		return fmt.Errorf("refusing to delete the workspace root")
	}
	info, err := os.Stat(w.abs(p))
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, p)
	}
	if err != nil {
		return err
	}

	w.markWritten(p, info.IsDir())
	if err := os.RemoveAll(w.abs(p)); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	w.notify(core.Change{Op: core.ChangeRemoved, Path: p, Folder: info.IsDir()})
	return nil
}

// ReadFile implements core.Workspace.
func (w *Workspace) ReadFile(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(w.abs(p))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, core.CleanPath(p))
	}
	return data, err
}

// Move renames a file, reporting a single moved change.
func (w *Workspace) Move(_ context.Context, oldPath, newPath string) error {
	oldPath, newPath = core.CleanPath(oldPath), core.CleanPath(newPath)
	if !w.FileExists(oldPath) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, oldPath)
	}
	if w.FileExists(newPath) {
		return fmt.Errorf("%w: %s", core.ErrExists, newPath)
	}

	w.markWritten(oldPath, false)
	w.markParents(newPath)
	w.markWritten(newPath, false)
	if err := os.MkdirAll(filepath.Dir(w.abs(newPath)), 0o755); err != nil {
		return err
	}
	if err := os.Rename(w.abs(oldPath), w.abs(newPath)); err != nil {
		return fmt.Errorf("move %s: %w", oldPath, err)
	}
	w.notify(core.Change{Op: core.ChangeMoved, Path: newPath, OldPath: oldPath})
	return nil
}

// Files lists every shared file, sorted.
func (w *Workspace) Files(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.root, func(name string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p, ok := w.rel(name)
		if !ok {
			return nil
		}
		if w.Ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

// Subscribe implements core.Watchable. API mutations are reported on the
// calling goroutine, watcher events on the watcher's.
func (w *Workspace) Subscribe(fn func(core.Change)) (unsubscribe func()) {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subscribers[id] = fn
	w.subMu.Unlock()

	return func() {
		w.subMu.Lock()
		delete(w.subscribers, id)
		w.subMu.Unlock()
	}
}

func (w *Workspace) notify(c core.Change) {
	w.subMu.RLock()
	ids := slices.Sorted(maps.Keys(w.subscribers))
	fns := make([]func(core.Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.subscribers[id])
	}
	w.subMu.RUnlock()

	w.mu.Lock()
	w.notified++
	w.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// markWritten records an API mutation so the watcher does not report it a
// second time. A tree mark covers everything below p.
func (w *Workspace) markWritten(p string, tree bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for k, m := range w.recent {
		if now.Sub(m.at) > w.config.EchoWindow {
			delete(w.recent, k)
		}
	}
	w.recent[p] = echoMark{at: now, tree: tree}
}

// markParents marks the missing ancestors of p, which the write is about to
// create.
func (w *Workspace) markParents(p string) {
	for dir := pathDir(p); dir != "" && !w.FolderExists(dir); dir = pathDir(dir) {
		w.markWritten(dir, false)
	}
}

// isEcho reports whether a watcher event on p was caused by a recent API
// mutation.
func (w *Workspace) isEcho(p string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	fresh := func(m echoMark) bool { return now.Sub(m.at) <= w.config.EchoWindow }

	if m, ok := w.recent[p]; ok && fresh(m) {
		w.echoes++
		return true
	}
	for dir := pathDir(p); dir != ""; dir = pathDir(dir) {
		if m, ok := w.recent[dir]; ok && m.tree && fresh(m) {
			w.echoes++
			return true
		}
	}
	return false
}

func pathDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}
