package stock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Baseline when its stock file changes on disk,
// with debouncing. It watches the parent directory so that
// editors and sync tools that replace the file by rename are
// picked up.
type Watcher struct {
	baseline *Baseline
	path     string
	onReload func(levels map[string]int, err error)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	dirty    bool
	lastSeen time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a watcher for path that reloads baseline
// once no change has been seen for the debounce period. onReload
// may be nil.
func NewWatcher(
	baseline *Baseline, path string, debounce time.Duration,
	onReload func(levels map[string]int, err error),
	log *zap.Logger,
) (*Watcher, error) {
	if baseline == nil {
		return nil, fmt.Errorf("baseline is nil: %w", os.ErrInvalid)
	}
	if log == nil {
		log = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("creating stock dir: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		baseline: baseline,
		path:     filepath.Clean(path),
		onReload: onReload,
		watcher:  fsw,
		debounce: debounce,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("stock watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending reload for writes, creates, and
// renames that touch the stock file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.dirty = true
	w.lastSeen = w.now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.dirty || w.now().Sub(w.lastSeen) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	err := w.baseline.Reload(w.path)
	if err != nil {
		w.log.Warn("stock file reload failed",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.log.Info("stock file reloaded", zap.String("path", w.path))
	}
	if w.onReload != nil {
		w.onReload(w.baseline.Levels(), err)
	}
}
