// Package lock provides an advisory file lock so that only one bot
// instance talks to a given device at a time.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// staleAfter is how old a lock file may be before a new instance is
// allowed to steal it. A live bot refreshes its lock more often than this.
const staleAfter = 2 * time.Minute

type lockInfo struct {
	PID       int       `json:"pid"`
	DeviceID  string    `json:"device_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceLock holds an exclusive claim on a device identity.
type DeviceLock struct {
	path string
	info lockInfo
}

// Acquire claims the device, failing if another live process holds it.
// Stale locks left behind by crashed processes are taken over.
func Acquire(dir, deviceID string) (*DeviceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, lockName(deviceID))

	if data, err := os.ReadFile(path); err == nil {
		var existing lockInfo
		if json.Unmarshal(data, &existing) == nil {
			if time.Since(existing.UpdatedAt) < staleAfter && processAlive(existing.PID) {
				return nil, fmt.Errorf("device %s is locked by pid %d", deviceID, existing.PID)
			}
		}
		// Stale or unreadable: take it over.
		os.Remove(path)
	}

	l := &DeviceLock{
		path: path,
		info: lockInfo{PID: os.Getpid(), DeviceID: deviceID, UpdatedAt: time.Now()},
	}
	if err := l.write(); err != nil {
		return nil, err
	}
	return l, nil
}

// Refresh bumps the lock timestamp. The bot loop calls this periodically.
func (l *DeviceLock) Refresh() error {
	l.info.UpdatedAt = time.Now()
	return l.write()
}

// Release drops the claim. Safe to call more than once.
func (l *DeviceLock) Release() {
	os.Remove(l.path)
}

func (l *DeviceLock) write() error {
	data, err := json.Marshal(l.info)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("commit lock file: %w", err)
	}
	return nil
}

// lockName flattens a device identity like "127.0.0.1:5555" into a
// filesystem-safe name.
func lockName(deviceID string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return "device_" + r.Replace(deviceID) + ".lock"
}
