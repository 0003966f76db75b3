package updater

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Run log markers. Each update attempt starts with a "----" line so the
// admin UI can replay just the most recent attempt after a restart.
const (
	runMark         = "----"
	runHeaderSuffix = "(new run) starting..."
	maxReplayLines  = 4000
)

// RunLog accumulates timestamped lines in memory and appends them to a
// file that survives service restarts.
type RunLog struct {
	path string

	mu    sync.Mutex
	lines []string
}

func NewRunLog(path string) *RunLog {
	return &RunLog{path: path}
}

// StartRun resets the in-memory log and writes the run header.
func (l *RunLog) StartRun() {
	l.mu.Lock()
	l.lines = l.lines[:0]
	l.mu.Unlock()

	l.appendRaw(runMark)
	l.Append(runHeaderSuffix)
}

// Append records one line with a timestamp prefix.
func (l *RunLog) Append(msg string) {
	ts := time.Now().Format("2006-01-02 15:04:05")
	l.appendRaw(fmt.Sprintf("[%s] %s", ts, msg))
}

func (l *RunLog) appendRaw(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

// Lines returns the current run's lines; when the in-memory buffer is
// empty (fresh process) it replays the last run from the file.
func (l *RunLog) Lines() []string {
	l.mu.Lock()
	if len(l.lines) > 0 {
		out := make([]string, len(l.lines))
		copy(out, l.lines)
		l.mu.Unlock()
		return out
	}
	l.mu.Unlock()
	return l.lastRunFromFile()
}

func (l *RunLog) lastRunFromFile() []string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxReplayLines {
		lines = lines[len(lines)-maxReplayLines:]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == runMark || strings.Contains(lines[i], runHeaderSuffix) {
			return lines[i:]
		}
	}
	return lines
}
