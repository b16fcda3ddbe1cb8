package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "runlane.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if got := Holder(lockPath); got != os.Getpid() {
		t.Fatalf("Holder = %d, want %d", got, os.Getpid())
	}
}

func TestAcquireWorkerRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireWorker(dir, "host-1")
	if err != nil {
		t.Fatalf("AcquireWorker: %v", err)
	}

	// flock is per open file description, so a second open in the same
	// process still conflicts.
	if _, err := AcquireWorker(dir, "host-1"); err == nil {
		t.Fatal("expected second acquire of the same worker id to fail")
	} else if !strings.Contains(err.Error(), "held by pid") {
		t.Errorf("error %q does not name the holder", err)
	}

	other, err := AcquireWorker(dir, "host-2")
	if err != nil {
		t.Fatalf("different worker id should not conflict: %v", err)
	}
	_ = other.Release()

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquireWorker(dir, "host-1")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again.Release()
}

func TestWorkerLockPathSanitizes(t *testing.T) {
	t.Parallel()
	got := WorkerLockPath("/var/lib/runlane", "host/a b:1")
	if want := "/var/lib/runlane/runlane-host_a_b_1.lock"; got != want {
		t.Errorf("WorkerLockPath = %q, want %q", got, want)
	}
	if _, err := AcquireWorker(t.TempDir(), ""); err == nil {
		t.Error("expected error for empty worker id")
	}
}
