// Package lockfile keeps two UBCore processes from sharing one state
// directory. Both would log in with the same WhatsApp device and race each
// other on every update.
//
// The lock is an flock(2) on a file in the state directory, so the kernel drops
// it when the process dies, however it dies.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file inside the state directory.
const LockFileName = "ubcore.lock"

// Holder describes the process that wrote a lock file.
type Holder struct {
	PID     int
	Started time.Time
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, creating the directory if needed. When
// another process holds it the error is a *LockError.
func Acquire(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's pid before we know whether we won.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: path, Cause: err}
		if h, ok := readHolder(path); ok {
			lockErr.Holder = &h
			lockErr.Running = isProcessRunning(h.PID)
		}
		slog.Error("Lockfile.Acquire: state directory is locked", "lock_path", path, "holder", lockErr.Holder, "running", lockErr.Running)
		return nil, lockErr
	}

	if err := writeHolder(file, Holder{PID: os.Getpid(), Started: time.Now()}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	slog.Info("Lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Info("Lockfile.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	Path string
	// Holder is nil when the lock file could not be parsed.
	Holder  *Holder
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another UBCore instance holds %s", e.Path)
	if e.Holder != nil {
		state := "not running"
		if e.Running {
			state = "running"
		}
		fmt.Fprintf(&b, " (pid %d, %s", e.Holder.PID, state)
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, ", started %s", e.Holder.Started.Format(time.RFC3339))
		}
		b.WriteString(")")
	}
	if e.Holder != nil && !e.Running {
		fmt.Fprintf(&b, "; if no instance is running remove the file with: rm %s", e.Path)
	}
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", h.PID, h.Started.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lockfile.Acquire: failed to sync lock file", "error", err)
	}
	return nil
}

func readHolder(path string) (Holder, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}, false
	}
	defer f.Close()
	return parseHolder(bufio.NewScanner(f))
}

// parseHolder reads "key=value" lines. Only a valid pid makes the result ok.
func parseHolder(sc *bufio.Scanner) (Holder, bool) {
	var h Holder
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h, h.PID > 0
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
