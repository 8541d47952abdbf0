package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmdash.yaml")

	cw, err := NewConfigWatcher(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	if cw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := cw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !cw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := cw.Start(); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := cw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := cw.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	if cw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-cw.Changes(); ok {
		t.Error("Changes channel should be closed after Stop()")
	}
}

func TestConfigWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crmdash.yaml")

	cw, err := NewConfigWatcher(path, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	if err := cw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer cw.Stop()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("color: never\n"), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-cw.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	select {
	case <-cw.Changes():
		t.Error("burst of writes produced more than one notification")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConfigWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crmdash.yaml")

	cw, err := NewConfigWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	if err := cw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer cw.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-cw.Changes():
		t.Error("unrelated file triggered a change")
	case <-time.After(200 * time.Millisecond):
	}
}
