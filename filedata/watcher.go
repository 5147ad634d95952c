package filedata

import (
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const retryDuration = time.Second

// watcher keeps a Source's defaults in sync with the files on disk. Watching
// both each file and its directory covers editors that replace the file
// instead of rewriting it.
type watcher struct {
	fsWatcher *fsnotify.Watcher
	loggers   ldlog.Loggers
	paths     []string
	absPaths  map[string]bool
	closeCh   chan struct{}
	closeOnce sync.Once

	lock     sync.RWMutex
	defaults map[string]bool
}

func newWatcher(paths []string, initial map[string]bool, loggers ldlog.Loggers) (*watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("unable to create file watcher: %w", err)
	}
	w := &watcher{
		fsWatcher: fsWatcher,
		loggers:   loggers,
		paths:     paths,
		absPaths:  make(map[string]bool),
		closeCh:   make(chan struct{}),
		defaults:  initial,
	}
	go w.run()
	return w, nil
}

func (w *watcher) current() map[string]bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.defaults
}

func (w *watcher) close() {
	w.closeOnce.Do(func() { close(w.closeCh) })
}

func (w *watcher) run() {
	retryCh := make(chan struct{}, 1)
	scheduleRetry := func() {
		time.AfterFunc(retryDuration, func() {
			select {
			case retryCh <- struct{}{}: // a single pending retry is enough
			default:
			}
		})
	}
	for {
		if err := w.setupWatches(); err != nil {
			w.loggers.Error(err)
			scheduleRetry()
		}

		// Reload here rather than after waitForEvents, even though that means
		// a redundant load at startup; otherwise a change could slip in
		// before the watches were registered.
		w.reload()

		if quit := w.waitForEvents(retryCh); quit {
			return
		}
	}
}

func (w *watcher) reload() {
	defaults, err := Load(w.paths)
	if err != nil {
		w.loggers.Errorf("Unable to reload flag defaults, keeping previous values: %s", err)
		return
	}
	w.lock.Lock()
	w.defaults = defaults
	w.lock.Unlock()
	w.loggers.Debugf("Reloaded flag defaults (%d flags)", len(defaults))
}

func (w *watcher) setupWatches() error {
	for _, p := range w.paths {
		absDirPath := path.Dir(p)
		realDirPath, err := filepath.EvalSymlinks(absDirPath)
		if err != nil {
			return fmt.Errorf(`unable to evaluate symlinks for "%s": %w`, absDirPath, err)
		}
		realPath := path.Join(realDirPath, path.Base(p))
		w.absPaths[realPath] = true
		if err = w.fsWatcher.Add(realPath); err != nil {
			return fmt.Errorf(`unable to watch path "%s": %w`, realPath, err)
		}
		if err = w.fsWatcher.Add(realDirPath); err != nil {
			return fmt.Errorf(`unable to watch path "%s": %w`, realDirPath, err)
		}
	}
	return nil
}

func (w *watcher) waitForEvents(retryCh <-chan struct{}) bool {
	for {
		select {
		case <-w.closeCh:
			if err := w.fsWatcher.Close(); err != nil {
				w.loggers.Errorf("Error closing file watcher: %s", err)
			}
			return true
		case event := <-w.fsWatcher.Events:
			if !w.absPaths[event.Name] {
				break
			}
			w.consumeExtraEvents()
			return false
		case err := <-w.fsWatcher.Errors:
			w.loggers.Error(err)
		case <-retryCh:
			consumeExtraRetries(retryCh)
			return false
		}
	}
}

func (w *watcher) consumeExtraEvents() {
	for {
		select {
		case <-w.fsWatcher.Events:
		default:
			return
		}
	}
}

func consumeExtraRetries(retryCh <-chan struct{}) {
	for {
		select {
		case <-retryCh:
		default:
			return
		}
	}
}
