// Package signals watches an operator signal directory for sentinel files
// that control the running server. Dropping a "drain" file asks the server
// to stop accepting sessions and finish in-flight work; "halt" asks for
// immediate shutdown. Signals work from outside the process, cron jobs and
// deploy scripts included.
package signals

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is how often sentinel files are checked when the
// filesystem watcher is unavailable.
const pollInterval = 2 * time.Second

// Kind identifies an operator signal.
type Kind string

const (
	// KindDrain requests graceful shutdown: no new sessions, finish work.
	KindDrain Kind = "drain"
	// KindHalt requests immediate shutdown.
	KindHalt Kind = "halt"
)

// Watcher monitors the signal directory.
type Watcher struct {
	dir string

	mu    sync.RWMutex
	drain bool
	halt  bool

	watcher *fsnotify.Watcher
	notify  chan Kind
	done    chan struct{}
}

// NewWatcher creates a watcher over dir, creating it if needed. When the
// filesystem watcher cannot be established the Watcher still works through
// the stat fallback in Drain and Halt.
func NewWatcher(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:    dir,
		notify: make(chan Kind, 4),
		done:   make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		go w.poll(pollInterval)
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		go w.poll(pollInterval)
		return w, nil
	}
	w.watcher = fsw

	go w.watch()

	return w, nil
}

// poll stats the sentinel files on a fixed interval. Runs instead of watch
// when the filesystem watcher could not be established.
func (w *Watcher) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Drain()
			w.Halt()
		}
	}
}

// watch monitors the signal directory for drain/halt files.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case string(KindDrain):
				w.set(KindDrain)
			case string(KindHalt):
				w.set(KindHalt)
			}
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

func (w *Watcher) set(kind Kind) {
	w.mu.Lock()
	already := (kind == KindDrain && w.drain) || (kind == KindHalt && w.halt)
	if kind == KindDrain {
		w.drain = true
	} else {
		w.halt = true
	}
	w.mu.Unlock()

	if already {
		return
	}
	select {
	case w.notify <- kind:
	default:
	}
}

// Notify delivers each signal once. The channel is never closed.
func (w *Watcher) Notify() <-chan Kind {
	return w.notify
}

// Drain returns true once a drain signal has been received.
func (w *Watcher) Drain() bool {
	// Also check the file directly in case the watcher missed it
	if _, err := os.Stat(filepath.Join(w.dir, string(KindDrain))); err == nil {
		w.set(KindDrain)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.drain
}

// Halt returns true once a halt signal has been received.
func (w *Watcher) Halt() bool {
	if _, err := os.Stat(filepath.Join(w.dir, string(KindHalt))); err == nil {
		w.set(KindHalt)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.halt
}

// SendDrain creates the drain sentinel file.
func (w *Watcher) SendDrain() error {
	return os.WriteFile(filepath.Join(w.dir, string(KindDrain)),
		[]byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendHalt creates the halt sentinel file.
func (w *Watcher) SendHalt() error {
	return os.WriteFile(filepath.Join(w.dir, string(KindHalt)),
		[]byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes the sentinel files and resets signal state.
func (w *Watcher) Clear() {
	w.mu.Lock()
	w.drain = false
	w.halt = false
	w.mu.Unlock()

	os.Remove(filepath.Join(w.dir, string(KindDrain)))
	os.Remove(filepath.Join(w.dir, string(KindHalt)))
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Close shuts the watcher down.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
