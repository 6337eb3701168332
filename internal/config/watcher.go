package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a host list file for changes and reloads it,
// notifying a callback on every successful reload (§10.3).
type Watcher struct {
	path     string
	list     *HostList
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*HostList)
	done     chan struct{}
}

// NewWatcher loads path and starts watching its containing directory
// for writes, so editors that replace the file via rename are caught.
func NewWatcher(path string, onChange func(*HostList)) (*Watcher, error) {
	list, err := LoadHosts(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		list:     list,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.watch()
	return w, nil
}

// HostList returns the most recently loaded host list.
func (w *Watcher) HostList() *HostList {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.list
}

func (w *Watcher) watch() {
	filename := filepath.Base(w.path)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("host list watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	list, err := LoadHosts(w.path)
	if err != nil {
		slog.Error("failed to reload host list",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	w.list = list
	w.mu.Unlock()

	slog.Info("host list reloaded", slog.String("path", w.path))

	if w.onChange != nil {
		w.onChange(list)
	}
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
