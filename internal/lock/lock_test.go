package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "127.0.0.1:5555")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := Acquire(dir, "127.0.0.1:5555"); err == nil {
		t.Error("second Acquire on the same device should fail")
	}

	// A different device is unaffected.
	other, err := Acquire(dir, "127.0.0.1:5556")
	if err != nil {
		t.Errorf("Acquire on a different device failed: %v", err)
	}
	other.Release()

	l.Release()
	l2, err := Acquire(dir, "127.0.0.1:5555")
	if err != nil {
		t.Fatalf("Acquire after Release failed: %v", err)
	}
	l2.Release()
}

func TestStaleLockIsStolen(t *testing.T) {
	dir := t.TempDir()

	stale := lockInfo{PID: os.Getpid(), DeviceID: "emulator-5554", UpdatedAt: time.Now().Add(-10 * time.Minute)}
	data, _ := json.Marshal(stale)
	path := filepath.Join(dir, lockName("emulator-5554"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(dir, "emulator-5554")
	if err != nil {
		t.Fatalf("stale lock should be stolen, got: %v", err)
	}
	l.Release()
}

func TestDeadProcessLockIsStolen(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pid liveness probe on windows")
	}
	dir := t.TempDir()

	// PID that cannot exist.
	dead := lockInfo{PID: 1 << 22, DeviceID: "emulator-5554", UpdatedAt: time.Now()}
	data, _ := json.Marshal(dead)
	if err := os.WriteFile(filepath.Join(dir, lockName("emulator-5554")), data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(dir, "emulator-5554")
	if err != nil {
		t.Fatalf("lock held by dead pid should be stolen, got: %v", err)
	}
	l.Release()
}

func TestRefreshKeepsLockFresh(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "dev")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	before := l.info.UpdatedAt
	time.Sleep(10 * time.Millisecond)
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !l.info.UpdatedAt.After(before) {
		t.Error("Refresh did not advance the timestamp")
	}
}
