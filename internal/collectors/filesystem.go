package collectors

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/brackwood/nexus/internal/timeline"
)

const defaultDebounce = 500 * time.Millisecond

// FilesystemCollector watches a configured set of paths recursively and
// emits a FileEvent per created/modified/deleted file, coalescing
// bursts within a debounce window per path (spec §4.9). New
// functionality grounded on fsnotify (a direct dependency of the
// pack's web-scraping services) with the debounce shape borrowed from
// the agent's connwatch backoff timers.
type FilesystemCollector struct {
	store    *timeline.Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEvent
}

type pendingEvent struct {
	op    string
	timer *time.Timer
}

// NewFilesystemCollector creates a watcher over roots (each walked
// recursively at startup; new subdirectories created later are added
// automatically). debounce <= 0 uses the 500ms default.
func NewFilesystemCollector(store *timeline.Store, roots []string, debounce time.Duration, logger *slog.Logger) (*FilesystemCollector, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	c := &FilesystemCollector{
		store:    store,
		watcher:  w,
		debounce: debounce,
		logger:   logger.With("collector", "filesystem"),
		pending:  make(map[string]*pendingEvent),
	}

	seen := make(map[string]bool)
	for _, root := range roots {
		if err := c.addRecursive(root, seen); err != nil {
			c.logger.Warn("add watch root failed", "root", root, "error", err)
		}
	}

	return c, nil
}

// addRecursive walks dir and adds every directory to the watcher,
// breaking symlink loops by tracking resolved real paths already seen
// (spec §4.9: "symlink loops MUST be broken").
func (c *FilesystemCollector) addRecursive(dir string, seen map[string]bool) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		real = dir
	}
	if seen[real] {
		return nil
	}
	seen[real] = true

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			target, terr := filepath.EvalSymlinks(path)
			if terr != nil || seen[target] {
				return filepath.SkipDir
			}
			seen[target] = true
		}
		if err := c.watcher.Add(path); err != nil {
			c.logger.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

// Run processes fsnotify events until ctx is cancelled or the watcher
// is closed.
func (c *FilesystemCollector) Run(ctx context.Context) {
	c.logger.Info("filesystem collector started")
	defer c.logger.Info("filesystem collector stopped")
	defer c.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error", "error", err)
		}
	}
}

func (c *FilesystemCollector) handleEvent(ctx context.Context, ev fsnotify.Event) {
	op := classify(ev.Op)
	if op == "" {
		return
	}

	// A newly created directory gets its own watch so nested files are
	// picked up (fsnotify is not recursive by default).
	if op == "created" {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := c.watcher.Add(ev.Name); err != nil {
				c.logger.Debug("watch add for new dir failed", "path", ev.Name, "error", err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[ev.Name]; ok {
		p.op = op
		p.timer.Reset(c.debounce)
		return
	}

	c.pending[ev.Name] = &pendingEvent{
		op: op,
		timer: time.AfterFunc(c.debounce, func() {
			c.flush(ctx, ev.Name)
		}),
	}
}

func (c *FilesystemCollector) flush(ctx context.Context, path string) {
	c.mu.Lock()
	p, ok := c.pending[path]
	if ok {
		delete(c.pending, path)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	if _, err := c.store.AppendFile(ctx, timeline.FileEvent{Path: path, Op: p.op, Size: size}); err != nil {
		c.logger.Warn("append file event failed", "path", path, "error", err)
	}
}

func classify(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "created"
	case op&fsnotify.Remove != 0:
		return "deleted"
	case op&fsnotify.Write != 0, op&fsnotify.Chmod != 0:
		return "modified"
	case op&fsnotify.Rename != 0:
		return "deleted" // the old path no longer exists; the new path arrives as its own Create
	default:
		return ""
	}
}
