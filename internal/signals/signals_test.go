package signals

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(filepath.Join(t.TempDir(), "signals"))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestWatcherCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "signals")
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("signal directory not created: %v", err)
	}
}

func TestDrainViaStatFallback(t *testing.T) {
	w := newTestWatcher(t)

	if w.Drain() {
		t.Fatal("drain reported before any signal")
	}

	if err := w.SendDrain(); err != nil {
		t.Fatalf("SendDrain failed: %v", err)
	}
	if !w.Drain() {
		t.Error("drain not detected after sentinel written")
	}
	if w.Halt() {
		t.Error("halt reported for a drain signal")
	}
}

func TestHaltViaStatFallback(t *testing.T) {
	w := newTestWatcher(t)

	if err := w.SendHalt(); err != nil {
		t.Fatalf("SendHalt failed: %v", err)
	}
	if !w.Halt() {
		t.Error("halt not detected after sentinel written")
	}
}

func TestNotifyDeliversSignalOnce(t *testing.T) {
	w := newTestWatcher(t)

	if err := w.SendDrain(); err != nil {
		t.Fatalf("SendDrain failed: %v", err)
	}
	// Force detection regardless of watcher timing.
	w.Drain()

	select {
	case kind := <-w.Notify():
		if kind != KindDrain {
			t.Errorf("kind = %q, want drain", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}

	// Repeated checks of the same signal do not notify again.
	w.Drain()
	select {
	case kind := <-w.Notify():
		t.Errorf("unexpected second notification %q", kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollDeliversSignalWithoutFsnotify(t *testing.T) {
	dir := t.TempDir()
	w := &Watcher{
		dir:    dir,
		notify: make(chan Kind, 4),
		done:   make(chan struct{}),
	}
	t.Cleanup(w.Close)
	go w.poll(10 * time.Millisecond)

	if err := w.SendHalt(); err != nil {
		t.Fatalf("SendHalt failed: %v", err)
	}

	select {
	case kind := <-w.Notify():
		if kind != KindHalt {
			t.Errorf("kind = %q, want halt", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never delivered the signal")
	}
}

func TestClearResetsState(t *testing.T) {
	w := newTestWatcher(t)

	if err := w.SendDrain(); err != nil {
		t.Fatalf("SendDrain failed: %v", err)
	}
	if !w.Drain() {
		t.Fatal("drain not detected")
	}

	w.Clear()
	// Drain sentinel is gone, so the stat fallback stays false.
	if w.Drain() {
		t.Error("drain still reported after Clear")
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), string(KindDrain))); !os.IsNotExist(err) {
		t.Error("drain sentinel file not removed")
	}
}
