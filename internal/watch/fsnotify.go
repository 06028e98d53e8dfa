package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Option configures an FSNotifyWatcher.
type Option func(*FSNotifyWatcher)

// WithBufferSize sets the capacity of the event and error channels.
func WithBufferSize(n int) Option {
	return func(w *FSNotifyWatcher) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

// WithIgnoreNames skips files and directories with one of the given base
// names, such as ".git" or "node_modules".
func WithIgnoreNames(names ...string) Option {
	return func(w *FSNotifyWatcher) {
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// FSNotifyWatcher implements Watcher using fsnotify.
type FSNotifyWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	paths   map[string]bool
	ignore  map[string]bool
	bufSize int

	events chan Event
	errors chan error

	dropped int64
	closed  bool
	closeCh chan struct{}
	done    sync.WaitGroup
}

func NewFSNotifyWatcher(opts ...Option) (*FSNotifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSNotifyWatcher{
		watcher: fsw,
		paths:   make(map[string]bool),
		ignore:  map[string]bool{".git": true, "node_modules": true},
		bufSize: 256,
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.events = make(chan Event, w.bufSize)
	w.errors = make(chan error, w.bufSize)

	w.done.Add(1)
	go w.loop()
	return w, nil
}

func (w *FSNotifyWatcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if w.paths[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.paths[dir] = true
	return nil
}

func (w *FSNotifyWatcher) WatchRecursive(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return w.add(abs)
	}
	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.add(p); err != nil {
			if errors.Is(err, ErrWatcherClosed) {
				return err
			}
			w.sendError(err)
		}
		return nil
	})
}

// WatchedPaths returns the number of watched directories.
func (w *FSNotifyWatcher) WatchedPaths() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}

// Dropped returns how many events were discarded because the channel was full.
func (w *FSNotifyWatcher) Dropped() int64 { return atomic.LoadInt64(&w.dropped) }

func (w *FSNotifyWatcher) Events() <-chan Event { return w.events }

func (w *FSNotifyWatcher) Errors() <-chan error { return w.errors }

func (w *FSNotifyWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.done.Wait()
	close(w.events)
	close(w.errors)
	return w.watcher.Close()
}

func (w *FSNotifyWatcher) loop() {
	defer w.done.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *FSNotifyWatcher) handle(ev fsnotify.Event) {
	if w.ignore[filepath.Base(ev.Name)] {
		return
	}
	var kind Kind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Deleted
	default:
		return
	}

	if kind == Created {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.WatchRecursive(ev.Name); err != nil {
				if !errors.Is(err, ErrWatcherClosed) {
					w.sendError(err)
				}
				return
			}
			w.emitExisting(ev.Name)
			return
		}
	}
	if kind == Deleted {
		w.mu.Lock()
		delete(w.paths, ev.Name)
		w.mu.Unlock()
	}
	w.emit(ev.Name, kind)
}

// emitExisting reports every file already inside a directory that appeared
// after watching started, such as a copied or moved tree.
func (w *FSNotifyWatcher) emitExisting(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if w.ignore[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			w.emit(p, Created)
		}
		return nil
	})
}

func (w *FSNotifyWatcher) emit(path string, kind Kind) {
	select {
	case w.events <- Event{Path: path, Kind: kind, Timestamp: time.Now()}:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

func (w *FSNotifyWatcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
