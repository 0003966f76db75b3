package duckdns

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Lock is a mkdir-based mutual exclusion lock for the updater. The
// directory holds a pid file identifying the holder. A lock is
// considered stale, and is broken, when the holder process is gone or
// when the directory mtime exceeds StaleAfter (crashed holder that
// never wrote its pid).
type Lock struct {
	Dir        string
	StaleAfter time.Duration
}

func NewLock(dir string) *Lock {
	return &Lock{Dir: dir, StaleAfter: 10 * time.Minute}
}

// TryAcquire attempts to take the lock. Returns false when another live
// invocation holds it; the caller should exit successfully without
// doing any work.
func (l *Lock) TryAcquire() (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(l.Dir, 0755)
		if err == nil {
			pidPath := filepath.Join(l.Dir, "pid")
			if werr := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); werr != nil {
				_ = os.RemoveAll(l.Dir)
				return false, fmt.Errorf("failed to write lock pid: %w", werr)
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}
		if !l.isStale() {
			return false, nil
		}
		// Holder is dead; break the lock and retry once.
		if rerr := os.RemoveAll(l.Dir); rerr != nil {
			return false, fmt.Errorf("failed to break stale lock: %w", rerr)
		}
	}
	return false, nil
}

// Release removes the lock directory. Safe to call when not held.
func (l *Lock) Release() {
	_ = os.RemoveAll(l.Dir)
}

func (l *Lock) isStale() bool {
	pidData, err := os.ReadFile(filepath.Join(l.Dir, "pid"))
	if err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if perr == nil && pid > 0 {
			return !pidAlive(pid)
		}
	}
	// No readable pid file: fall back to mtime staleness.
	info, err := os.Stat(l.Dir)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.StaleAfter
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}
