// Package watcher reports changes to the registration store file so a
// running server can pick up configuration written by another process.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/servhost/internal/log"
)

// DefaultDebounce coalesces the burst of writes one store transaction makes.
const DefaultDebounce = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// StorePath is the database file to watch. Its -wal companion is
	// watched too.
	StorePath string
	// Debounce is the quiet period after the last write before a change is
	// reported. Zero means DefaultDebounce.
	Debounce time.Duration
}

// Watcher sends one notification per burst of writes to the store file.
type Watcher struct {
	fs       *fsnotify.Watcher
	names    map[string]bool
	dir      string
	debounce time.Duration
	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	path := filepath.Clean(cfg.StorePath)
	base := filepath.Base(path)
	return &Watcher{
		fs:       fsw,
		names:    map[string]bool{base: true, base + "-wal": true},
		dir:      filepath.Dir(path),
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the store's directory and returns the change channel.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := w.fs.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.dir, err)
	}
	log.Debug(log.CatWatcher, "watching store", "dir", w.dir, "debounce", w.debounce)
	go w.run()
	return w.changes, nil
}

// Stop ends watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) run() {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			select {
			case w.changes <- struct{}{}:
				log.Debug(log.CatWatcher, "store changed")
			default:
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "watch error", err)

		case <-w.done:
			return
		}
	}
}

// relevant reports whether ev is a write or create of the store files.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return w.names[filepath.Base(ev.Name)]
}
