package overlay

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher watches a package cache directory for tars dropped in by
// something other than `rvhostctl pkg install` (a shared cache synced
// by an external tool, for instance) and reports their package ids so
// the caller can register them without a restart.
type CacheWatcher struct {
	w      *fsnotify.Watcher
	Events chan string // package id (filename without .tar) of a newly appeared layer
}

// WatchPackageCache starts watching dir for created/renamed .tar files.
func WatchPackageCache(dir string) (*CacheWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	cw := &CacheWatcher{w: w, Events: make(chan string, 16)}
	go cw.loop()
	return cw, nil
}

func (cw *CacheWatcher) loop() {
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				close(cw.Events)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".tar") {
				continue
			}
			id := strings.TrimSuffix(pathBase(ev.Name), ".tar")
			select {
			case cw.Events <- id:
			default:
			}
		case _, ok := <-cw.w.Errors:
			if !ok {
				close(cw.Events)
				return
			}
		}
	}
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// Close stops the watcher.
func (cw *CacheWatcher) Close() error {
	return cw.w.Close()
}
