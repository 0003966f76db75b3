// Package logbuf keeps the most recent log lines in memory so the
// admin page can show them without shelling out to journalctl.
package logbuf

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const DefaultCapacity = 500

// Hook is a logrus hook retaining the last N formatted entries in a
// ring.
type Hook struct {
	formatter logrus.Formatter

	mu    sync.Mutex
	ring  []string
	next  int
	count int
}

func NewHook(capacity int) *Hook {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hook{
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
		ring:      make([]string, capacity),
	}
}

// Levels implements logrus.Hook: everything the logger emits is kept.
func (h *Hook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (h *Hook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	s := string(line)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}

	h.mu.Lock()
	h.ring[h.next] = s
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	h.mu.Unlock()
	return nil
}

// Lines returns the retained entries, oldest first.
func (h *Hook) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

// Tail returns at most n of the newest lines, oldest first.
func (h *Hook) Tail(n int) []string {
	lines := h.Lines()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
