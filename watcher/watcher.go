// Package watcher dispatches file system events of individual files to
// callbacks. Files are watched through their parent directory so a file
// replaced by rename keeps being tracked.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
)

type (
	Event           = fsnotify.Event
	Callback        func(ev Event)
	CallbackWrapper func(next Callback) Callback
	Filter          func(ev Event) bool

	// ID identifies a registered watch, it is used to remove the watch.
	ID uint64
)

// ModifyFilter passes events which may change the file contents.
func ModifyFilter() Filter {
	return func(ev Event) bool {
		return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
	}
}

// Debounce delays the callback until no new event for the same file arrived
// during dur.
func Debounce(dur time.Duration) CallbackWrapper {
	return func(next Callback) Callback {
		var (
			mu     sync.Mutex
			timers = map[string]*time.Timer{}
		)
		return func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			if t, ok := timers[ev.Name]; ok {
				t.Stop()
			}
			timers[ev.Name] = time.AfterFunc(dur, func() {
				mu.Lock()
				delete(timers, ev.Name)
				mu.Unlock()
				next(ev)
			})
		}
	}
}

type watch struct {
	id       ID
	name     string
	callback Callback
	filters  []Filter
}

type Watcher struct {
	mu     sync.Mutex
	notify *fsnotify.Watcher
	seq    ID
	dirs   map[string]int
	names  map[string][]watch
	log    log.Logger
}

// Watch registers cb for events of the file name, the file itself does not
// have to exist yet.
func (w *Watcher) Watch(name string, cb Callback, filters ...Filter) (ID, error) {
	absName, err := filepath.Abs(name)
	if err != nil {
		return 0, err
	}
	absDir := filepath.Dir(absName)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirs[absDir] == 0 {
		err := w.notify.Add(absDir)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to watch %q", absDir)
		}
	}
	w.dirs[absDir]++

	w.seq++
	w.names[absName] = append(w.names[absName], watch{
		id:       w.seq,
		name:     absName,
		callback: cb,
		filters:  filters,
	})
	return w.seq, nil
}

func (w *Watcher) Unwatch(id ID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name, bucket := range w.names {
		for n, watch := range bucket {
			if watch.id != id {
				continue
			}
			bucket = append(bucket[:n], bucket[n+1:]...)
			if len(bucket) == 0 {
				delete(w.names, name)
			} else {
				w.names[name] = bucket
			}

			dir := filepath.Dir(name)
			w.dirs[dir]--
			if w.dirs[dir] > 0 {
				return nil
			}
			delete(w.dirs, dir)
			return w.notify.Remove(dir)
		}
	}
	return nil
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	bucket := append([]watch(nil), w.names[ev.Name]...)
	w.mu.Unlock()

loop:
	for _, watch := range bucket {
		for _, filter := range watch.filters {
			if !filter(ev) {
				continue loop
			}
		}
		watch.callback(ev)
	}
}

// Run dispatches events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.emit(event)
		}
	}
}

func (w *Watcher) Close() error {
	return w.notify.Close()
}

func New() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		notify: w,
		dirs:   map[string]int{},
		names:  map[string][]watch{},
		log:    log.Component("watcher"),
	}, nil
}
