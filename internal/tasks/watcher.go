package tasks

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"scanalign/internal/fsutil"
)

// StackWatcher reports a directory once frame files stop arriving in it for
// the settle delay.
type StackWatcher struct {
	watcher   *fsnotify.Watcher
	watchDirs []string
	settle    time.Duration
	onReady   func(dir string)
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStackWatcher creates a watcher over watchPaths.
func NewStackWatcher(watchPaths []string, settle time.Duration, logger *slog.Logger, onReady func(dir string)) (*StackWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StackWatcher{
		watcher:   watcher,
		watchDirs: watchPaths,
		settle:    settle,
		onReady:   onReady,
		logger:    logger,
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *StackWatcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.logger.Info("watching directory", "dir", dir)
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and cancels pending notifications.
func (w *StackWatcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	return err
}

func (w *StackWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}
			w.touch(filepath.Dir(event.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// touch restarts the settle timer for dir.
func (w *StackWatcher) touch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[dir] = time.AfterFunc(w.settle, func() { w.fire(dir) })
}

func (w *StackWatcher) fire(dir string) {
	w.mu.Lock()
	delete(w.pending, dir)
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}
	w.logger.Info("stack settled", "dir", dir)
	if w.onReady != nil {
		w.onReady(dir)
	}
}
